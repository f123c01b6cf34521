package main

import (
	"fmt"
	"github.com/icinga/icinga-go-library/logging"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/vbauerster/mpb/v6"
	"github.com/vbauerster/mpb/v6/decor"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"os"
	"time"
)

// Flags defines the CLI flags.
type Flags struct {
	// Scenario is the path to the scenario file.
	Scenario string `short:"s" long:"scenario" description:"path to scenario file" required:"true"`
	// Output is an optional SQLite database file to store the requested alerts in.
	Output string `short:"o" long:"output" description:"path to SQLite file for the requested alerts"`
	// Debug enables debug logging of the engine.
	Debug bool `short:"d" long:"debug" description:"enable debug logging"`
}

// log is the root logger.
var log = func() *zap.SugaredLogger {
	logger, err := zap.NewDevelopmentConfig().Build()
	if err != nil {
		panic(err)
	}

	return logger.Sugar()
}()

// main replays a scenario, prints the requested alerts and exits with 1 if an expectation wasn't met.
func main() {
	f := &Flags{}
	if _, err := flags.NewParser(f, flags.Default).Parse(); err != nil {
		os.Exit(2)
	}

	defer func() { _ = log.Sync() }()

	s, ex := loadScenario(f)
	if s == nil {
		os.Exit(ex)
	}

	engine := log.Desugar().Named("engine")
	if !f.Debug {
		engine = engine.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
	}

	engineLogger := logging.NewLogger(engine.Sugar(), 10*time.Second)

	progress := mpb.New(mpb.WithOutput(os.Stderr))
	bar := progress.AddBar(
		int64(len(s.Steps)),
		mpb.BarFillerClearOnComplete(),
		mpb.PrependDecorators(
			decor.Name("steps", decor.WC{W: len("steps") + 1, C: decor.DidentRight}),
			decor.Percentage(decor.WC{W: 5}),
		),
		mpb.AppendDecorators(decor.CountersNoUnit("%d/%d", decor.WC{W: 4})),
	)

	report, err := replay(s, engineLogger, func() { bar.Increment() })
	if err != nil {
		bar.Abort(false)
		progress.Wait()
		log.Fatalf("%+v", errors.Wrap(err, "can't replay scenario"))
	}

	// Completes the bar also if there are no steps.
	bar.SetTotal(int64(len(s.Steps)), true)
	progress.Wait()

	for _, a := range report.Alerts {
		requestTime := time.UnixMilli(a.RequestTime).UTC().Format(time.RFC3339)
		fmt.Printf("%d\t%s\t%s\t%s\t%s\n", a.Step, requestTime, a.Checkable, a.Type, a.State)
	}

	if f.Output != "" {
		if err := writeAlerts(f.Output, report.Alerts); err != nil {
			log.With("file", f.Output).Fatalf("%+v", err)
		}
	}

	if len(report.Failures) > 0 {
		for _, failure := range report.Failures {
			log.Error(failure)
		}

		os.Exit(1)
	}

	log.Infof("Replayed %d steps, %d alerts requested", len(s.Steps), len(report.Alerts))
}

// loadScenario parses the f.Scenario file and returns the scenario and -1 or - on failure - nil and an exit code.
func loadScenario(f *Flags) (_ *Scenario, exit int) {
	sf, err := os.Open(f.Scenario)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "can't open scenario file: %s\n", err.Error())
		return nil, 2
	}
	defer func() { _ = sf.Close() }()

	s, err := parseScenario(sf)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s\n", err.Error())
		return nil, 2
	}

	return s, -1
}
