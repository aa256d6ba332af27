// Command maptool calibrates a diagram offline and converts between diagram
// pixels, map coordinates and tile addresses.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/iancoleman/strcase"
	"github.com/pathway-tiles/server/internal/config"
	"github.com/pathway-tiles/server/internal/projection"
	"github.com/pathway-tiles/server/internal/service"
	"github.com/urfave/cli/v2"
)

const CONFIG string = `config`
const MAP string = `map`
const WIDTH string = `width`
const HEIGHT string = `height`
const TILESIZE string = `tileSize`
const MINZOOM string = `minZoom`
const MAXZOOM string = `maxZoom`
const BASEURL string = `baseUrl`

//nolint:funlen
func main() {
	defaults := config.DefaultConfig()
	pd, _ := defaults.Maps.Get(defaults.DefaultMapID())

	app := cli.NewApp()
	app.Name = "maptool"
	app.Usage = "Calibrate a pathway diagram and convert pixels, coordinates and tiles"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    CONFIG,
			Aliases: []string{"c"},
			Usage:   "Server config file; the map's static metadata replaces the diagram flags",
			EnvVars: []string{strcase.ToScreamingSnake(CONFIG)},
		},
		&cli.StringFlag{
			Name:    MAP,
			Aliases: []string{"m"},
			Usage:   "Map id in the config file (default: the config's default map)",
			EnvVars: []string{strcase.ToScreamingSnake(MAP)},
		},
		&cli.Float64Flag{
			Name:    WIDTH,
			Usage:   "Diagram width in pixels",
			Value:   pd.Static.Width,
			EnvVars: []string{strcase.ToScreamingSnake(WIDTH)},
		},
		&cli.Float64Flag{
			Name:    HEIGHT,
			Usage:   "Diagram height in pixels",
			Value:   pd.Static.Height,
			EnvVars: []string{strcase.ToScreamingSnake(HEIGHT)},
		},
		&cli.Float64Flag{
			Name:    TILESIZE,
			Usage:   "Tile edge in pixels",
			Value:   pd.Static.TileSize,
			EnvVars: []string{strcase.ToScreamingSnake(TILESIZE)},
		},
		&cli.IntFlag{
			Name:    MINZOOM,
			Usage:   "Minimum zoom level",
			Value:   pd.Static.MinZoom,
			EnvVars: []string{strcase.ToScreamingSnake(MINZOOM)},
		},
		&cli.IntFlag{
			Name:    MAXZOOM,
			Usage:   "Maximum zoom level",
			Value:   pd.Static.MaxZoom,
			EnvVars: []string{strcase.ToScreamingSnake(MAXZOOM)},
		},
		&cli.StringFlag{
			Name:    BASEURL,
			Usage:   "Overlay pyramid root used to build tile URLs",
			Value:   pd.StaticOverlayURL,
			EnvVars: []string{strcase.ToScreamingSnake(BASEURL)},
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:  "calibrate",
			Usage: "Print the projection constants of the diagram",
			Action: func(c *cli.Context) error {
				cal, err := calibration(c)
				if err != nil {
					return err
				}
				return printJSON(map[string]interface{}{
					"metadata":     cal.Metadata,
					"constants":    cal.Constants,
					"center":       cal.Center(),
					"max_latitude": projection.MaxLatitude,
				})
			},
		},
		{
			Name:  "pixel-to-geo",
			Usage: "Convert a diagram pixel to a map coordinate",
			Flags: []cli.Flag{
				&cli.Float64Flag{Name: "x", Required: true},
				&cli.Float64Flag{Name: "y", Required: true},
			},
			Action: func(c *cli.Context) error {
				cal, err := calibration(c)
				if err != nil {
					return err
				}
				return printJSON(cal.Constants.PixelToGeo(projection.PixelPoint{X: c.Float64("x"), Y: c.Float64("y")}))
			},
		},
		{
			Name:  "geo-to-pixel",
			Usage: "Convert a map coordinate to a diagram pixel",
			Flags: []cli.Flag{
				&cli.Float64Flag{Name: "lon", Required: true},
				&cli.Float64Flag{Name: "lat", Required: true},
			},
			Action: func(c *cli.Context) error {
				cal, err := calibration(c)
				if err != nil {
					return err
				}
				p := cal.Constants.GeoToPixel(projection.GeoPoint{Lon: c.Float64("lon"), Lat: c.Float64("lat")})
				return printJSON(map[string]interface{}{
					"pixel":  p,
					"inside": cal.Metadata.Contains(p),
				})
			},
		},
		{
			Name:  "tile",
			Usage: "Resolve a tile address to its image URL, or absent",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "z", Required: true},
				&cli.IntFlag{Name: "x", Required: true},
				&cli.IntFlag{Name: "y", Required: true},
			},
			Action: func(c *cli.Context) error {
				cal, err := calibration(c)
				if err != nil {
					return err
				}
				ref, err := resolveTile(cal, projection.TileAddress{Zoom: c.Int("z"), X: c.Int("x"), Y: c.Int("y")})
				if err != nil {
					return err
				}
				return printJSON(ref)
			},
		},
		{
			Name:  "tiles",
			Usage: "List the tile range and tile addresses of a zoom level",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "z", Required: true},
			},
			Action: func(c *cli.Context) error {
				cal, err := calibration(c)
				if err != nil {
					return err
				}
				listing, err := listTiles(cal, c.Int("z"))
				if err != nil {
					return err
				}
				return printJSON(listing)
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// calibration builds a calibration from the config file or the diagram flags.
func calibration(c *cli.Context) (*service.Calibration, error) {
	md := projection.DiagramMetadata{
		Width:    c.Float64(WIDTH),
		Height:   c.Float64(HEIGHT),
		TileSize: c.Float64(TILESIZE),
		MinZoom:  c.Int(MINZOOM),
		MaxZoom:  c.Int(MAXZOOM),
	}
	baseURL := c.String(BASEURL)

	if path := c.String(CONFIG); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		mapID := c.String(MAP)
		if mapID == "" {
			mapID = cfg.DefaultMapID()
		}
		mc, ok := cfg.Maps.Get(mapID)
		if !ok {
			return nil, fmt.Errorf("map %q is not configured in %s", mapID, path)
		}
		if mc.Static.IsZero() {
			return nil, fmt.Errorf("map %q has no static metadata", mapID)
		}
		md = mc.Static
		if !c.IsSet(BASEURL) {
			baseURL = mc.StaticOverlayURL
		}
	}

	constants, err := projection.Calibrate(md)
	if err != nil {
		return nil, err
	}
	return &service.Calibration{
		Metadata:       md,
		Constants:      constants,
		OverlayBaseURL: baseURL,
		Source:         service.SourceStatic,
	}, nil
}

// TileListing is the output of the tiles command.
type TileListing struct {
	Zoom  int                      `json:"zoom"`
	Max   projection.TileRange     `json:"max"`
	Tiles []projection.TileAddress `json:"tiles"`
}

func resolveTile(cal *service.Calibration, addr projection.TileAddress) (service.TileRef, error) {
	if !cal.ZoomAllowed(addr.Zoom) {
		return service.TileRef{}, fmt.Errorf("%w: %d", service.ErrZoomOutOfRange, addr.Zoom)
	}
	return cal.TileURL(addr), nil
}

func listTiles(cal *service.Calibration, z int) (*TileListing, error) {
	if !cal.ZoomAllowed(z) {
		return nil, fmt.Errorf("%w: %d", service.ErrZoomOutOfRange, z)
	}
	return &TileListing{
		Zoom:  z,
		Max:   projection.RangeAt(z, cal.Metadata),
		Tiles: projection.TilesAt(z, cal.Metadata),
	}, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
