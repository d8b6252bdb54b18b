package main

import (
	"github.com/aligator/gofat32/manifest"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// main for generating the sample image from testdata/sample.yml.
// Can be executed using 'go generate' from the project root.
func main() {
	if err := generate("testdata/sample.yml", "testdata/sample.img"); err != nil {
		logrus.Fatal(err)
	}
}

func generate(manifestFile, image string) error {
	osFs := afero.NewOsFs()

	data, err := afero.ReadFile(osFs, manifestFile)
	if err != nil {
		return err
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return err
	}

	logrus.WithField("manifest", manifestFile).Debugf("building\n%s", m)
	return m.Build(osFs, image, osFs)
}
