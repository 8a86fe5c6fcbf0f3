// Command dvbdabscan scans a raw MPEG transport-stream capture (file or
// stdin) for DAB/DAB+ ensembles and prints what it discovers. It exists
// to exercise pkg/scanner end to end; production integrations are
// expected to call the library packages directly, per SPEC_FULL.md's
// ambient stack section.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/k-danil/dvbdab/pkg/scanner"
)

const readChunkSize = 64 * 1024

func newLogger(logPath string, verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var core zapcore.Core
	if logPath == "" {
		core = zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(os.Stderr), level)
	} else {
		rotator := &lumberjack.Logger{Filename: logPath, MaxSize: 50, MaxBackups: 3, MaxAge: 14}
		core = zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(rotator), level)
	}
	return zap.New(core)
}

func main() {
	inputPath := flag.String("input", "", "path to a raw transport-stream capture (defaults to stdin)")
	logPath := flag.String("log", "", "rotating log file path (defaults to stderr console logging)")
	timeout := flag.Duration("timeout", 500*time.Millisecond, "overall scan timeout")
	verbose := flag.Bool("verbose", false, "enable debug-level logging")
	flag.Parse()

	log := newLogger(*logPath, *verbose)
	defer log.Sync()

	if err := validateFlags(*inputPath, *timeout); err != nil {
		log.Error("invalid flags", zap.Error(err))
		os.Exit(1)
	}

	if err := run(*inputPath, *timeout, log); err != nil {
		log.Error("scan failed", zap.Error(err))
		os.Exit(1)
	}
}

// validateFlags aggregates every flag problem into one error instead of
// failing on the first, the way a multi-field option validator does.
func validateFlags(inputPath string, timeout time.Duration) error {
	var errs error
	if timeout <= 0 {
		errs = multierr.Append(errs, errors.New("dvbdabscan: -timeout must be positive"))
	}
	if inputPath != "" {
		if _, err := os.Stat(inputPath); err != nil {
			errs = multierr.Append(errs, errors.Wrap(err, "dvbdabscan: -input"))
		}
	}
	return errs
}

func run(inputPath string, timeout time.Duration, log *zap.Logger) error {
	var src io.Reader = os.Stdin
	if inputPath != "" {
		f, err := os.Open(inputPath)
		if err != nil {
			return errors.Wrap(err, "dvbdabscan: open input")
		}
		defer f.Close()
		src = f
	}

	s := scanner.New(scanner.WithLogger(log), scanner.WithTimeout(timeout))

	buf := make([]byte, readChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if s.Feed(buf[:n]) {
				break
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "dvbdabscan: read input")
		}
	}

	if !s.HadTraffic() {
		log.Warn("no transport-stream traffic observed")
	}

	for _, ens := range s.Results() {
		printEnsemble(ens)
	}
	return nil
}

func printEnsemble(ens scanner.DiscoveredEnsemble) {
	if ens.IsETINA {
		fmt.Printf("ETI-NA PID %d: EID=%#04x %q (offset=%d bitoffset=%d inverted=%v)\n",
			ens.PID, ens.EID, ens.Label,
			ens.ETINAInfo.PaddingBytes, ens.ETINAInfo.SyncBitOffset, ens.ETINAInfo.Inverted)
	} else {
		fmt.Printf("EDI %d.%d.%d.%d:%d (PID %d): EID=%#04x %q\n",
			byte(ens.IP>>24), byte(ens.IP>>16), byte(ens.IP>>8), byte(ens.IP), ens.Port, ens.PID, ens.EID, ens.Label)
	}
	for _, svc := range ens.Services {
		codec := "MPEG"
		if svc.DABPlus {
			codec = "DAB+"
		}
		fmt.Printf("  SID=%#06x %-16q %3d kbps subch=%-3d %s\n", svc.SID, svc.Label, svc.BitrateKbps, svc.SubchannelID, codec)
	}
}
