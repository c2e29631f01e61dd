package main

import (
	"os"
	"strings"

	"github.com/danmuck/spilink/internal/config"
	"github.com/danmuck/spilink/internal/protocol/session"
	"github.com/danmuck/spilink/internal/transport/sim"
)

// loadConfig resolves the config path from the flag, then the environment,
// and falls back to built-in defaults when neither names a file.
func loadConfig(flagPath string) (config.Config, error) {
	path := strings.TrimSpace(flagPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(envConfig))
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// demoDevice returns a simulated device preloaded with a few messages.
func demoDevice(cfg session.Config) *sim.Device {
	dev := sim.New(cfg.Geometry)
	preview := make([]byte, 3*cfg.Geometry.PayloadSize+17)
	for i := range preview {
		preview[i] = byte(i)
	}
	dev.Push("preview", sim.Message{Data: preview, Metadata: []byte{0x01, 0x02, 0x03, 0x04}, MetadataType: 8})
	dev.Push("preview", sim.Message{Data: preview[:64], Metadata: []byte{0x05, 0x06}, MetadataType: 8})
	dev.Push("detections", sim.Message{Data: []byte("label=person conf=0.91"), MetadataType: 14})
	dev.AddStream("depth")
	return dev
}
