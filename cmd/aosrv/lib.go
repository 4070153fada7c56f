package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/theckman/yacspin"
	"golang.org/x/term"

	"github.jpl.nasa.gov/bdube/shao/ao"
	"github.jpl.nasa.gov/bdube/shao/calibration"
	"github.jpl.nasa.gov/bdube/shao/focus"
	"github.jpl.nasa.gov/bdube/shao/generichttp"
	"github.jpl.nasa.gov/bdube/shao/imgrec"
	"github.jpl.nasa.gov/bdube/shao/mirror"
	"github.jpl.nasa.gov/bdube/shao/mock"
	"github.jpl.nasa.gov/bdube/shao/record"
	"github.jpl.nasa.gov/bdube/shao/server"
	"github.jpl.nasa.gov/bdube/shao/server/middleware/locker"
	"github.jpl.nasa.gov/bdube/shao/util"
	"github.jpl.nasa.gov/bdube/shao/wfs"
)

// rig is the controller and everything it was built from
type rig struct {
	ctrl      *ao.Controller
	mirror    mirror.Mirror
	actuators int
	frames    *imgrec.Recorder
	dir       *record.Dir
	sink      *record.Async
	closers   []func() error
}

func (r *rig) close() {
	if err := r.sink.Close(); err != nil {
		log.Println("closing the recorder:", err)
	}
	for _, c := range r.closers {
		if err := c(); err != nil {
			log.Println(err)
		}
	}
}

func setup(cfg config) *rig {
	frames := &imgrec.Recorder{Root: cfg.Recorder.Root, Prefix: cfg.Recorder.Prefix, Enabled: cfg.Recorder.Enabled}
	dir := record.NewDir(cfg.Data, frames)
	r := &rig{frames: frames, dir: dir, sink: record.NewAsync(dir, 256)}
	r.ctrl = &ao.Controller{Sink: r.sink, Config: cfg.AO}

	var err error
	if cfg.Mock.Enabled {
		err = setupMock(cfg, r)
	} else {
		err = setupHardware(cfg, r)
	}
	if err != nil {
		log.Fatal(err)
	}
	r.ctrl.Mirror = r.mirror

	if cfg.Focus.Enabled {
		t, err := focus.LoadFITS(cfg.Focus.Table)
		if err != nil {
			log.Fatal(err)
		}
		if t.Actuators() != r.actuators {
			log.Fatalf("focus table has %d actuators, the mirror %d", t.Actuators(), r.actuators)
		}
		r.ctrl.Focus = &ao.FocusPlan{Params: cfg.Focus.Params, Table: t}
	}
	return r
}

func setupMock(cfg config, r *rig) error {
	coeffs := cfg.AO.ControlCoeffs
	modes := cfg.Mock.Modes
	if modes < coeffs {
		modes = coeffs
	}
	cal, err := mock.NewCalibration(cfg.Mock.Subapertures, modes, cfg.Mirror.Actuators, coeffs, cfg.Mock.Seed)
	if err != nil {
		return err
	}
	aoCfg := cfg.AO
	if err := aoCfg.Normalize(cal.Actuators()); err != nil {
		return err
	}
	ab := cfg.Mock.Aberration
	if len(ab) > coeffs {
		ab = ab[:coeffs]
	}
	in, err := mock.New(cal, mock.Options{
		Bias:          aoCfg.Bias,
		Aberration:    ab,
		ControlCoeffs: coeffs,
		TimeoutEvery:  cfg.Mock.TimeoutEvery,
		Width:         cfg.AO.FrameWidth,
		Height:        cfg.AO.FrameHeight,
	})
	if err != nil {
		return err
	}
	log.Printf("simulated instrument with %d subapertures, %d modes and %d actuators", cal.Subapertures(), cal.Modes(), cal.Actuators())
	r.ctrl.Calibration = cal
	r.ctrl.Camera = in
	r.ctrl.Extractor = in
	r.mirror = &mirror.Limited{Mirror: in, Limits: util.Limiter{Min: cfg.Mirror.Min, Max: cfg.Mirror.Max}}
	r.actuators = cal.Actuators()
	return nil
}

func setupHardware(cfg config, r *rig) error {
	cal, err := calibration.LoadDir(cfg.Calibration.Dir, cfg.AO.ControlCoeffs)
	if err != nil {
		return err
	}
	log.Printf("calibration loaded from %s: %d subapertures, %d modes, %d actuators", cfg.Calibration.Dir, cal.Subapertures(), cal.Modes(), cal.Actuators())
	r.ctrl.Calibration = cal
	r.ctrl.Camera = wfs.NewRemote(cfg.Camera.Addr, cfg.Camera.Timeout)
	r.ctrl.Extractor = wfs.CenterOfMass{RefX: cal.RefX, RefY: cal.RefY, BlockSize: cfg.Calibration.BlockSize}

	var m mirror.Mirror
	if cfg.Mirror.SerialNumber != "" {
		local, closer, err := openBMC(cfg.Mirror.SerialNumber)
		if err != nil {
			return err
		}
		r.closers = append(r.closers, closer)
		m = local
	} else {
		rem := newRemoteMirror(cfg.Mirror)
		log.Println("connecting to the mirror at", rem.Addr)
		if err := rem.Dial(cfg.Mirror.DialTimeout); err != nil {
			return err
		}
		m = rem
	}
	r.mirror = &mirror.Limited{
		Mirror: mirror.Sized{Mirror: m, Actuators: cal.Actuators()},
		Limits: util.Limiter{Min: cfg.Mirror.Min, Max: cfg.Mirror.Max},
	}
	r.actuators = cal.Actuators()
	return nil
}

func newRemoteMirror(cfg mirrorCfg) *mirror.Remote {
	return mirror.NewRemote(cfg.Addr, cfg.Timeout)
}

func run() {
	cfg := loadconfig()
	rg := setup(cfg)
	defer rg.close()

	lock := locker.New()
	sup := ao.NewSupervisor(rg.ctrl, lock)
	aow := ao.NewHTTPWrapper(sup)
	imgrec.NewHTTPWrapper(rg.frames).Inject(aow)
	aow.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: "/plot/{name}"}] = func(w http.ResponseWriter, r *http.Request) {
		server.ReplyWithFile(w, r, chi.URLParam(r, "name"), rg.dir.Folder())
	}

	dmw := mirror.NewHTTPWrapper(rg.mirror, rg.actuators)
	locker.Inject(dmw, lock)

	root := chi.NewRouter()
	root.Use(middleware.Logger)
	mux := chi.NewRouter()
	root.Mount(generichttp.SubMuxSanitize(cfg.Root), mux)

	aoMux := chi.NewRouter()
	aow.RT().Bind(aoMux)
	mux.Mount("/ao", aoMux)

	dmMux := chi.NewRouter()
	dmMux.Use(lock.Check)
	dmw.RT().Bind(dmMux)
	mux.Mount("/dm", dmMux)

	addr := cfg.Addr + cfg.Root
	log.Println("now listening for requests at ", addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, root))
}

func newSpinner() *yacspin.Spinner {
	s, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           "starting",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	return s
}

// keypress waits for one key on the terminal; q aborts
func keypress(ctx context.Context, msg string) error {
	fmt.Printf("\n%s: press any key to continue, q to abort\n", msg)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer term.Restore(fd, old)
	}
	keys := make(chan byte, 1)
	errs := make(chan error, 1)
	go func() {
		b := make([]byte, 1)
		if _, err := os.Stdin.Read(b); err != nil {
			errs <- err
			return
		}
		keys <- b[0]
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errs:
		return err
	case b := <-keys:
		// 3 is ctrl+c in raw mode
		if b == 'q' || b == 'Q' || b == 3 {
			return errors.New("aborted by the operator")
		}
		return nil
	}
}

func loop(variant string) {
	v, err := ao.ParseVariant(variant)
	if err != nil {
		log.Fatal(err)
	}
	cfg := loadconfig()
	rg := setup(cfg)
	defer rg.close()

	spin := newSpinner()
	rg.ctrl.Observer = ao.ObserverFunc(func(e ao.Event) {
		if e.Kind == ao.Progress {
			spin.Message(fmt.Sprintf("depth %d iteration %d strehl %.3f", e.Depth, e.State.Iteration, e.State.Strehl))
		}
	})
	rg.ctrl.Confirm = func(ctx context.Context, msg string) error {
		spin.Pause()
		defer spin.Unpause()
		return keypress(ctx, msg)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	spin.Start()
	res, err := rg.ctrl.Run(ctx, v)
	if err != nil {
		spin.StopFailMessage(err.Error())
		spin.StopFail()
		rg.close()
		log.Fatal(err)
	}
	spin.StopMessage(fmt.Sprintf("%s %s run %s in %v", res.Status, res.Variant, res.RunID, res.Elapsed))
	spin.Stop()
	for _, d := range res.Depths {
		last, _ := d.Last()
		fmt.Printf("depth %v: %d iterations, strehl %.4f, rms %.4f, converged %v\n", d.Depth, d.LoopNum+1, last.Strehl, last.RMSPartial, last.Converged)
	}
	fmt.Println("record written to", rg.dir.Folder())
}

func scan() {
	cfg := loadconfig()
	if !cfg.Focus.Enabled {
		log.Fatal("scan needs Focus.Enabled")
	}
	rg := setup(cfg)
	defer rg.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	spin := newSpinner()
	rg.ctrl.Observer = ao.ObserverFunc(func(e ao.Event) {
		if e.Kind == ao.Progress {
			spin.Message(fmt.Sprintf("step %d strehl %.3f", e.Depth, e.State.Strehl))
		}
	})
	spin.Start()
	res, err := rg.ctrl.Scan(ctx)
	if err != nil {
		spin.StopFailMessage(err.Error())
		spin.StopFail()
		rg.close()
		log.Fatal(err)
	}
	spin.StopMessage(fmt.Sprintf("%s scan %s in %v", res.Status, res.RunID, res.Elapsed))
	spin.Stop()
	for _, s := range res.Steps {
		fmt.Printf("depth %v: strehl %.4f, rms %.4f, %d subapertures obscured\n", s.Depth, s.Strehl, s.RMSPartial, len(s.Removed))
	}
}
