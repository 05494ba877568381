package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Station-Manager/board"
	"github.com/Station-Manager/logging"
	"github.com/spf13/viper"
)

type app struct {
	vp   *viper.Viper
	port string
	baud int
}

func wireApp() (*app, error) {
	vp := viper.New()
	vp.SetEnvPrefix("BOARDCTL")
	vp.AutomaticEnv()
	vp.SetDefault("port", "")
	vp.SetDefault("parity", "none")
	vp.SetDefault("stop_bits", "1")
	vp.SetDefault("data_bits", 8)
	vp.SetDefault("dtr", true)
	vp.SetDefault("rts", false)
	vp.SetDefault("command_timeout", board.DefaultCommandTimeout)
	vp.SetDefault("transfer_timeout", board.DefaultTransferTimeout)
	vp.SetDefault("list_timeout", board.DefaultListTimeout)

	vp.SetConfigName("boardctl")
	vp.SetConfigType("toml")
	if home, err := os.UserHomeDir(); err == nil {
		vp.AddConfigPath(filepath.Join(home, ".config", "boardctl"))
	}
	if err := vp.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read boardctl config: %w", err)
		}
	}

	return &app{vp: vp}, nil
}

func (a *app) resolvePort() (string, error) {
	if a.port != "" {
		return a.port, nil
	}
	if port := a.vp.GetString("port"); port != "" {
		return port, nil
	}
	return "", errors.New("no serial port given: use --port or BOARDCTL_PORT")
}

// service builds an initialized registry for one invocation.
func (a *app) service() (*board.Service, error) {
	port, err := a.resolvePort()
	if err != nil {
		return nil, err
	}

	cfg := board.DefaultConfig(port)
	cfg.CommandTimeout = a.vp.GetDuration("command_timeout")
	cfg.TransferTimeout = a.vp.GetDuration("transfer_timeout")
	cfg.ListTimeout = a.vp.GetDuration("list_timeout")
	if a.baud > 0 {
		cfg.BaudCandidates = []int{a.baud}
	}

	if cfg.Serial.Parity, err = board.ParseParity(a.vp.GetString("parity")); err != nil {
		return nil, err
	}
	if cfg.Serial.StopBits, err = board.ParseStopBits(a.vp.GetString("stop_bits")); err != nil {
		return nil, err
	}
	cfg.Serial.DataBits = a.vp.GetInt("data_bits")
	cfg.Serial.DTR = a.vp.GetBool("dtr")
	cfg.Serial.RTS = a.vp.GetBool("rts")

	svc := &board.Service{
		LoggerService: &logging.Service{},
		Config:        cfg,
	}
	if err = svc.Initialize(); err != nil {
		return nil, err
	}
	return svc, nil
}

// connect stands up the registry and attaches the configured board.
func (a *app) connect(ctx context.Context) (*board.Service, *board.Device, func(), error) {
	svc, err := a.service()
	if err != nil {
		return nil, nil, nil, err
	}

	dev, err := svc.Connect(ctx, "")
	if err != nil {
		return nil, nil, nil, err
	}

	cleanup := func() { _ = svc.Close() }
	return svc, dev, cleanup, nil
}
