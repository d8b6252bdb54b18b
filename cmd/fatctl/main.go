// fatctl inspects and modifies FAT32 images.
package main

import (
	"fmt"
	"io"
	"os"
	"path"
	"strconv"

	"github.com/aligator/gofat32"
	"github.com/aligator/gofat32/manifest"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

const envVarPrefix = "FATCTL"

// config holds the defaults read from the environment. Flags override them.
type config struct {
	Image      string `envconfig:"IMAGE"`
	SectorSize int    `envconfig:"SECTOR_SIZE" default:"512"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"warning"`
}

var log = logrus.StandardLogger()

func main() {
	var c config
	if err := envconfig.Process(envVarPrefix, &c); err != nil {
		log.Fatalf("parsing environment variables: %v", err)
	}

	app := cli.App{
		Name:  "fatctl",
		Usage: "inspect and modify FAT32 images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "image",
				Aliases: []string{"i"},
				Usage:   "the image file, defaults to $FATCTL_IMAGE",
				Value:   c.Image,
			},
			&cli.IntFlag{
				Name:  "sector-size",
				Usage: "bytes per sector of the image",
				Value: c.SectorSize,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "one of panic, fatal, error, warning, info, debug, trace",
				Value: c.LogLevel,
			},
		},
		Before: func(ctx *cli.Context) error {
			level, err := logrus.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return err
			}
			log.SetLevel(level)
			log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			return nil
		},
		Commands: []*cli.Command{{
			Name:      "format",
			Aliases:   []string{"mkfs"},
			Usage:     "create a new image with an empty FAT32 filesystem",
			ArgsUsage: " ",
			Flags: []cli.Flag{
				&cli.Int64Flag{
					Name:     "sectors",
					Usage:    "the size of the image in sectors",
					Required: true,
				},
				&cli.UintFlag{
					Name:  "sectors-per-cluster",
					Usage: "sectors per cluster, a power of two",
					Value: 1,
				},
				&cli.StringFlag{
					Name:  "label",
					Usage: "the volume label",
				},
			},
			Action: format,
		}, {
			Name:      "build",
			Usage:     "create a new image from a YAML manifest",
			ArgsUsage: "<manifest>",
			Action:    build,
		}, {
			Name:      "info",
			Usage:     "print the geometry of the volume",
			ArgsUsage: " ",
			Action: withFs(false, func(fs *gofat32.Fs, ctx *cli.Context) error {
				vol := fs.Volume()
				geo := vol.Geometry()
				fmt.Printf("label:               %s\n", vol.Label())
				fmt.Printf("bytes per sector:    %d\n", geo.BytesPerSector)
				fmt.Printf("sectors per cluster: %d\n", geo.SectorsPerCluster)
				fmt.Printf("reserved sectors:    %d\n", geo.ReservedSectors)
				fmt.Printf("tables:              %d x %d sectors\n", geo.NumFATs, geo.SectorsPerFAT)
				fmt.Printf("root cluster:        %d\n", geo.RootCluster)
				fmt.Printf("total sectors:       %d\n", geo.TotalSectors)
				fmt.Printf("clusters:            %d (%d free)\n", geo.DataClusters(), vol.FreeClusters())
				return nil
			}),
		}, {
			Name:      "ls",
			Aliases:   []string{"list"},
			Usage:     "list a directory",
			ArgsUsage: "[path]",
			Action: withFs(false, func(fs *gofat32.Fs, ctx *cli.Context) error {
				dir := ctx.Args().First()
				if dir == "" {
					dir = "/"
				}
				infos, err := afero.ReadDir(fs, dir)
				if err != nil {
					return err
				}
				for _, info := range infos {
					entry := info.Sys().(*gofat32.Entry)
					fmt.Printf("%s %10d %s %-12s %s\n", info.Mode(), info.Size(), info.ModTime().Format("2006-01-02 15:04:05"), entry.ShortName(), info.Name())
				}
				return nil
			}),
		}, {
			Name:      "tree",
			Usage:     "print all entries below a directory",
			ArgsUsage: "[path]",
			Action: withFs(false, func(fs *gofat32.Fs, ctx *cli.Context) error {
				root := ctx.Args().First()
				if root == "" {
					root = "/"
				}
				return afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
					if err != nil {
						return err
					}
					entry := info.Sys().(*gofat32.Entry)
					fmt.Printf("%s\tcluster=%d\tsize=%d\n", p, entry.Cluster(), info.Size())
					return nil
				})
			}),
		}, {
			Name:      "cat",
			Usage:     "print a file",
			ArgsUsage: "<path>",
			Action: withFs(false, func(fs *gofat32.Fs, ctx *cli.Context) error {
				file, err := fs.Open(ctx.Args().First())
				if err != nil {
					return err
				}
				defer file.Close()
				_, err = io.Copy(os.Stdout, file)
				return err
			}),
		}, {
			Name:      "put",
			Aliases:   []string{"cp"},
			Usage:     "copy a local file into the image",
			ArgsUsage: "<local file> <path>",
			Action: withFs(true, func(fs *gofat32.Fs, ctx *cli.Context) error {
				if ctx.NArg() != 2 {
					return fmt.Errorf("expected a local file and a path, got %d arguments", ctx.NArg())
				}
				src, err := os.Open(ctx.Args().Get(0))
				if err != nil {
					return err
				}
				defer src.Close()

				dst := ctx.Args().Get(1)
				if info, err := fs.Stat(dst); err == nil && info.IsDir() {
					dst = path.Join(dst, path.Base(src.Name()))
				}
				file, err := fs.Create(dst)
				if err != nil {
					return err
				}
				n, err := io.Copy(file, src)
				if err != nil {
					file.Close()
					return err
				}
				log.WithFields(logrus.Fields{"path": dst, "bytes": n}).Info("copied file")
				return file.Close()
			}),
		}, {
			Name:      "mkdir",
			Usage:     "create a directory",
			ArgsUsage: "<path>",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:    "parents",
					Aliases: []string{"p"},
					Usage:   "create missing parents, no error if the directory exists",
				},
			},
			Action: withFs(true, func(fs *gofat32.Fs, ctx *cli.Context) error {
				if ctx.Bool("parents") {
					return fs.MkdirAll(ctx.Args().First(), 0o777)
				}
				return fs.Mkdir(ctx.Args().First(), 0o777)
			}),
		}, {
			Name:      "rm",
			Aliases:   []string{"remove", "delete"},
			Usage:     "remove a file or an empty directory",
			ArgsUsage: "<path>",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:    "recursive",
					Aliases: []string{"r"},
					Usage:   "remove directories and their contents",
				},
			},
			Action: withFs(true, func(fs *gofat32.Fs, ctx *cli.Context) error {
				if ctx.Bool("recursive") {
					return fs.RemoveAll(ctx.Args().First())
				}
				return fs.Remove(ctx.Args().First())
			}),
		}, {
			Name:      "mv",
			Aliases:   []string{"rename", "move"},
			Usage:     "rename or move an entry",
			ArgsUsage: "<old path> <new path>",
			Action: withFs(true, func(fs *gofat32.Fs, ctx *cli.Context) error {
				if ctx.NArg() != 2 {
					return fmt.Errorf("expected two paths, got %d arguments", ctx.NArg())
				}
				return fs.Rename(ctx.Args().Get(0), ctx.Args().Get(1))
			}),
		}, {
			Name:      "truncate",
			Usage:     "change the size of a file",
			ArgsUsage: "<path> <size>",
			Action: withFs(true, func(fs *gofat32.Fs, ctx *cli.Context) error {
				if ctx.NArg() != 2 {
					return fmt.Errorf("expected a path and a size, got %d arguments", ctx.NArg())
				}
				size, err := strconv.ParseInt(ctx.Args().Get(1), 10, 64)
				if err != nil {
					return fmt.Errorf("parsing size: %w", err)
				}
				file, err := fs.OpenFile(ctx.Args().Get(0), os.O_RDWR, 0)
				if err != nil {
					return err
				}
				if err := file.Truncate(size); err != nil {
					file.Close()
					return err
				}
				return file.Close()
			}),
		}},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func format(ctx *cli.Context) error {
	image := ctx.String("image")
	if image == "" {
		return fmt.Errorf("no image given, use --image or $%s_IMAGE", envVarPrefix)
	}

	dev, err := gofat32.CreateImage(afero.NewOsFs(), image, ctx.Int("sector-size"), ctx.Int64("sectors"))
	if err != nil {
		return fmt.Errorf("creating image: %w", err)
	}
	defer dev.Close()

	cfg := gofat32.FormatConfig{
		SectorsPerCluster: uint8(ctx.Uint("sectors-per-cluster")),
		Label:             ctx.String("label"),
	}
	if err := gofat32.Format(dev, cfg); err != nil {
		return fmt.Errorf("formatting image: %w", err)
	}
	log.WithField("image", image).Info("formatted image")
	return dev.Sync()
}

func build(ctx *cli.Context) error {
	image := ctx.String("image")
	if image == "" {
		return fmt.Errorf("no image given, use --image or $%s_IMAGE", envVarPrefix)
	}
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected a manifest, got %d arguments", ctx.NArg())
	}

	osFs := afero.NewOsFs()
	data, err := afero.ReadFile(osFs, ctx.Args().First())
	if err != nil {
		return err
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return err
	}
	// The manifest geometry wins, except for the sector size given on the command line.
	if ctx.IsSet("sector-size") {
		m.Image.SectorSize = ctx.Int("sector-size")
	}
	return m.Build(osFs, image, osFs)
}

// withFs mounts the image for the duration of f.
func withFs(write bool, f func(*gofat32.Fs, *cli.Context) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		image := ctx.String("image")
		if image == "" {
			return fmt.Errorf("no image given, use --image or $%s_IMAGE", envVarPrefix)
		}

		flag := os.O_RDONLY
		if write {
			flag = os.O_RDWR
		}
		file, err := afero.NewOsFs().OpenFile(image, flag, 0)
		if err != nil {
			return fmt.Errorf("opening image: %w", err)
		}
		dev, err := gofat32.NewImageDevice(file, ctx.Int("sector-size"))
		if err != nil {
			file.Close()
			return err
		}
		defer dev.Close()

		vol, err := gofat32.Mount(dev, gofat32.WithLogger(log))
		if err != nil {
			return fmt.Errorf("mounting image: %w", err)
		}

		if err := f(gofat32.NewFs(vol), ctx); err != nil {
			return err
		}
		if write {
			return vol.Sync()
		}
		return nil
	}
}
