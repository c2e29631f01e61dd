package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/danmuck/spilink/internal/logging"
	"github.com/danmuck/spilink/internal/protocol"
	"github.com/danmuck/spilink/internal/protocol/session"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const previewBytes = 64

func newStreamsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "streams",
		Short: "List the streams the device reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(eng *session.Engine) error {
				names, err := eng.Streams()
				if err != nil {
					return err
				}
				opts.printf("%d stream(s)\n", len(names))
				for _, name := range names {
					opts.printf("  %s\n", name)
				}
				return nil
			})
		},
	}
}

func newSizeCmd(opts *options) *cobra.Command {
	var meta bool
	cmd := &cobra.Command{
		Use:   "size <stream>",
		Short: "Show the size of the next message on a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := protocol.CmdGetSize
			if meta {
				kind = protocol.CmdGetMetaSize
			}
			return opts.withEngine(func(eng *session.Engine) error {
				n, err := eng.GetSize(kind, args[0])
				if err != nil {
					return err
				}
				per := eng.Config().Geometry.PayloadSize
				frames := (int(n) + per - 1) / per
				opts.printf("%s: %d bytes (%s) in %d frame(s)\n", args[0], n, humanize.IBytes(uint64(n)), frames)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&meta, "meta", false, "include the metadata trailer in the size")
	return cmd
}

func newFetchCmd(opts *options) *cobra.Command {
	var (
		meta   bool
		output string
	)
	cmd := &cobra.Command{
		Use:   "fetch <stream>",
		Short: "Retrieve the next message on a stream without removing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream := args[0]
			return opts.withEngine(func(eng *session.Engine) error {
				var msg protocol.Message
				if meta {
					m, err := eng.FetchMessage(stream)
					if err != nil {
						return err
					}
					msg = m
				} else {
					data, err := eng.FetchData(stream)
					if err != nil {
						return err
					}
					msg.Data = data
				}
				opts.printMessage(stream, msg, meta)
				if output != "" {
					if err := os.WriteFile(output, msg.Data, 0o644); err != nil {
						return fmt.Errorf("write %s: %w", output, err)
					}
					opts.printf("wrote %s to %s\n", humanize.IBytes(uint64(len(msg.Data))), output)
				}
				return nil
			}, session.WithChunkHook(opts.progress(stream)))
		},
	}
	cmd.Flags().BoolVar(&meta, "meta", false, "retrieve and split the metadata trailer")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the data payload to this file")
	return cmd
}

func newPartCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "part <stream> <offset> <length>",
		Short: "Retrieve a byte range of the next message on a stream",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, err := parseUint32("offset", args[1])
			if err != nil {
				return err
			}
			length, err := parseUint32("length", args[2])
			if err != nil {
				return err
			}
			return opts.withEngine(func(eng *session.Engine) error {
				part, err := eng.FetchPart(args[0], offset, length)
				if err != nil {
					return err
				}
				opts.printf("%s[%d:%d]: %s\n", args[0], offset, uint64(offset)+uint64(length), humanize.IBytes(uint64(len(part))))
				opts.dump(part)
				return nil
			})
		},
	}
}

func newPopCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pop <stream>",
		Short: "Discard the next message on a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(eng *session.Engine) error {
				if err := eng.PopMessage(args[0]); err != nil {
					return err
				}
				opts.printf("popped %s\n", args[0])
				return nil
			})
		},
	}
}

func newPopAllCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pop-all",
		Short: "Discard the next message on every stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(func(eng *session.Engine) error {
				if err := eng.PopMessages(); err != nil {
					return err
				}
				opts.printf("popped all streams\n")
				return nil
			})
		},
	}
}

func newSendCmd(opts *options) *cobra.Command {
	var (
		file     string
		metadata string
	)
	cmd := &cobra.Command{
		Use:   "send <stream> [data]",
		Short: "Upload a message to a device input stream",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			switch {
			case file != "" && len(args) == 2:
				return fmt.Errorf("pass data either inline or with --file, not both")
			case file != "":
				raw, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read %s: %w", file, err)
				}
				data = raw
			case len(args) == 2:
				data = []byte(args[1])
			default:
				return fmt.Errorf("no data to send")
			}
			return opts.withEngine(func(eng *session.Engine) error {
				if err := eng.SendMessage(args[0], data, []byte(metadata)); err != nil {
					return err
				}
				opts.printf("sent %s to %s\n", humanize.IBytes(uint64(len(data)+len(metadata))), args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the data payload from this file")
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata bytes sent after the data")
	return cmd
}

func parseUint32(name, raw string) (uint32, error) {
	v, err := strconv.ParseUint(raw, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return uint32(v), nil
}

func (o *options) printMessage(stream string, msg protocol.Message, meta bool) {
	o.printf("%s: %s data", stream, humanize.IBytes(uint64(len(msg.Data))))
	if meta {
		o.printf(", metadata type %d (%s)", msg.MetadataType, humanize.IBytes(uint64(len(msg.Metadata))))
	}
	o.printf("\n")
	o.dump(msg.Data)
}

func (o *options) dump(b []byte) {
	if len(b) > previewBytes {
		b = b[:previewBytes]
	}
	if len(b) == 0 {
		return
	}
	o.printf("%s", hex.Dump(b))
}

// progress logs retrieval progress for large messages at debug level.
func (o *options) progress(stream string) session.ChunkFunc {
	log := logging.Component("fetch")
	return func(ev session.ChunkEvent) {
		if ev.Received == ev.Total {
			log.Debug().
				Str("stream", stream).
				Str("received", humanize.IBytes(uint64(ev.Received))).
				Msg("retrieval complete")
		}
	}
}
