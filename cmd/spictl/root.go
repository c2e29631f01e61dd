package main

import (
	"fmt"
	"io"

	"github.com/danmuck/spilink/internal/config"
	"github.com/danmuck/spilink/internal/logging"
	"github.com/danmuck/spilink/internal/protocol/session"
	"github.com/danmuck/spilink/internal/transport/sim"
	"github.com/danmuck/spilink/internal/transport/spidev"
	"github.com/spf13/cobra"
)

const (
	cmdRootShort = "Talk to a vision device over its SPI message protocol"
	envConfig    = "SPILINK_CONFIG"
)

type options struct {
	configPath string
	useSim     bool
	out        io.Writer

	// set by the root PersistentPreRunE
	cfg config.Config
	// overridden by tests to share one simulated device across commands
	simDevice *sim.Device
}

func newRootCmd(out io.Writer) *cobra.Command {
	return buildRootCmd(&options{out: out})
}

func buildRootCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "spictl",
		Short:         cmdRootShort,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}
	cmd.SetOut(opts.out)
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to spilink.toml (env "+envConfig+")")
	cmd.PersistentFlags().BoolVar(&opts.useSim, "sim", false, "use an in-memory simulated device with demo streams")

	cmd.AddCommand(
		newStreamsCmd(opts),
		newSizeCmd(opts),
		newFetchCmd(opts),
		newPartCmd(opts),
		newPopCmd(opts),
		newPopAllCmd(opts),
		newSendCmd(opts),
		newPollCmd(opts),
	)
	return cmd
}

func (o *options) load() error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	o.cfg = cfg
	logCfg := cfg.LoggingConfig()
	logging.ApplyEnvOverrides(&logCfg)
	logging.New("spictl", logCfg)
	return nil
}

// engine opens the configured transport and wraps it in a session engine.
// The returned close func releases the device.
func (o *options) engine(opts ...session.Option) (*session.Engine, func() error, error) {
	sessCfg, err := o.cfg.SessionConfig()
	if err != nil {
		return nil, nil, err
	}
	var (
		tr      session.Transport
		closeFn = func() error { return nil }
	)
	if o.useSim || o.simDevice != nil {
		dev := o.simDevice
		if dev == nil {
			dev = demoDevice(sessCfg)
		}
		tr = dev
	} else {
		dev, err := spidev.Open(o.cfg.SpidevConfig())
		if err != nil {
			return nil, nil, err
		}
		tr = dev
		closeFn = dev.Close
	}
	opts = append([]session.Option{session.WithLogger(logging.Component("spictl"))}, opts...)
	eng, err := session.New(tr, sessCfg, opts...)
	if err != nil {
		_ = closeFn()
		return nil, nil, err
	}
	return eng, closeFn, nil
}

// withEngine runs fn against a freshly opened engine and closes the device
// afterwards.
func (o *options) withEngine(fn func(*session.Engine) error, opts ...session.Option) (err error) {
	eng, closeFn, err := o.engine(opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(); cerr != nil && err == nil {
			err = fmt.Errorf("close device: %w", cerr)
		}
	}()
	return fn(eng)
}

func (o *options) printf(format string, a ...any) {
	_, _ = fmt.Fprintf(o.out, format, a...)
}
