package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/shao/ao"
	"github.jpl.nasa.gov/bdube/shao/focus"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "aosrv.yml"
	k              = koanf.New(".")
)

type recorder struct {
	// Root is the root folder to write frames to
	Root string `yaml:"Root"`

	// Prefix is the filename prefix to use
	Prefix string `yaml:"Prefix"`

	// Enabled turns frame autowrite on at boot
	Enabled bool `yaml:"Enabled"`
}

type mirrorCfg struct {
	// Addr is the URL of a mirror server; ignored when SerialNumber is set
	Addr string `yaml:"Addr"`

	// SerialNumber opens a local BMC mirror, needs a build with the bmc tag
	SerialNumber string `yaml:"SerialNumber"`

	Actuators int     `yaml:"Actuators"`
	Min       float64 `yaml:"Min"`
	Max       float64 `yaml:"Max"`

	// Timeout bounds each request to a remote mirror
	Timeout time.Duration `yaml:"Timeout"`

	// DialTimeout bounds the connection probe of a remote mirror
	DialTimeout time.Duration `yaml:"DialTimeout"`
}

type cameraCfg struct {
	// Addr is the URL of the camera server
	Addr    string        `yaml:"Addr"`
	Timeout time.Duration `yaml:"Timeout"`
}

type calibrationCfg struct {
	// Dir holds the calibration FITS files
	Dir string `yaml:"Dir"`

	// BlockSize is the side of the centroid search block, pixels
	BlockSize int `yaml:"BlockSize"`
}

type focusCfg struct {
	Enabled bool `yaml:"Enabled"`

	// Table is the FITS file of the remote focusing voltages
	Table  string       `yaml:"Table"`
	Params focus.Params `yaml:"Params"`
}

type mockCfg struct {
	Enabled      bool      `yaml:"Enabled"`
	Subapertures int       `yaml:"Subapertures"`
	Modes        int       `yaml:"Modes"`
	Seed         int64     `yaml:"Seed"`
	Aberration   []float64 `yaml:"Aberration"`
	TimeoutEvery int       `yaml:"TimeoutEvery"`
}

type config struct {
	Addr string `yaml:"Addr"`
	Root string `yaml:"Root"`

	// Data is the root folder of the run records
	Data string `yaml:"Data"`

	Mock        mockCfg        `yaml:"Mock"`
	Mirror      mirrorCfg      `yaml:"Mirror"`
	Camera      cameraCfg      `yaml:"Camera"`
	Calibration calibrationCfg `yaml:"Calibration"`
	AO          ao.Config      `yaml:"AO"`
	Focus       focusCfg       `yaml:"Focus"`
	Recorder    recorder       `yaml:"Recorder"`
}

func defaults() config {
	return config{
		Addr: ":8000",
		Root: "/",
		Data: "data",
		Mock: mockCfg{
			Subapertures: 64,
			Modes:        24,
			Seed:         1,
			Aberration:   []float64{0.02, -0.01, 0.05, 0.04, -0.03, 0.02},
		},
		Mirror: mirrorCfg{
			Addr:        "http://localhost:8001/dm",
			Actuators:   69,
			Min:         -1,
			Max:         1,
			Timeout:     time.Second,
			DialTimeout: 10 * time.Second,
		},
		Camera: cameraCfg{
			Addr:    "http://localhost:8002/camera",
			Timeout: 2 * time.Second,
		},
		Calibration: calibrationCfg{Dir: "calib", BlockSize: 16},
		AO:          ao.DefaultConfig(),
		Focus: focusCfg{
			Table: "calib/remote_focus_voltages.fits",
			Params: focus.Params{
				Mode:          focus.Single,
				Steps:         1,
				StepIncrement: 1,
			},
		},
		Recorder: recorder{Prefix: "AO_img"},
	}
}

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadconfig() config {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `aosrv closes the adaptive optics loop between a Shack-Hartmann
wavefront sensor and a deformable mirror, and exposes it over HTTP.

Usage:
	aosrv <command>

Commands:
	run
	loop <variant>
	scan
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `aosrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.
The command mkconf generates the configuration file with the default values.

run serves the loop over HTTP at Addr+Root.  The loop is under /ao, the
mirror under /dm; the mirror routes return 423 (locked) while a run is in
progress.  POST /ao/run with {"str": "plain"} starts a run.

loop runs once in the terminal and exits.  The variant is one of
	plain, obscuration, partial, obscuration+partial (or 1 through 4)
When AO.Injection is enabled the loop waits for a keypress after the
injection; q aborts.

scan walks the remote focusing plan without correction and records the
wavefront at each depth.  Focus.Enabled must be true.

Mock.Enabled replaces the sensor and mirror with a simulated linear
plant built from a random calibration, for trying the software out.

Calibration.Dir must hold zern_matrix.fits, diff_matrix.fits,
inf_matrix_slopes.fits, ref_cent_x.fits and ref_cent_y.fits.  The
conversion and control matrices are built from them when missing.`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("aosrv version %v\n", Version)
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "loop":
		variant := ""
		if len(args) > 2 {
			variant = args[2]
		}
		loop(variant)
		return
	case "scan":
		scan()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
