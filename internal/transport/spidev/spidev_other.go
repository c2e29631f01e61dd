//go:build !linux

package spidev

type Device struct{}

func Open(cfg Config) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

func (d *Device) Send(frame []byte) error {
	return ErrUnsupported
}

func (d *Device) Receive(frame []byte) error {
	return ErrUnsupported
}

func (d *Device) Close() error {
	return nil
}
