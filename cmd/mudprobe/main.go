// Command mudprobe connects to one MUD server, runs the bot's telnet decoder
// and negotiation engine over the stream, and prints every decoded frame and
// every reply to stdout. It is a standalone debugging utility; it never logs
// in and does not touch the registry.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"mudbot/telnet"
)

type probeConfig struct {
	addr     string
	policy   telnet.Policy
	request  []byte
	send     []string
	duration time.Duration
	maxSub   int
}

func main() {
	host := flag.String("host", "localhost", "MUD server host")
	port := flag.Int("port", 23, "MUD server port")
	accept := flag.String("accept", "", "comma-separated options to accept in both directions (default: the bot's policy)")
	request := flag.String("request", "", "comma-separated options to ask the server to enable")
	send := flag.String("send", "", "lines to send after the first text, separated by '|'")
	seconds := flag.Int("seconds", 10, "how long to listen before disconnecting")
	maxSub := flag.Int("max_subnegotiation", telnet.DefaultMaxSubnegotiation, "max subnegotiation payload")
	flag.Parse()

	cfg := probeConfig{
		addr:     net.JoinHostPort(*host, strconv.Itoa(*port)),
		policy:   telnet.DefaultPolicy(),
		duration: time.Duration(*seconds) * time.Second,
		maxSub:   *maxSub,
	}
	if strings.TrimSpace(*accept) != "" {
		opts, err := parseOptions(*accept)
		if err != nil {
			log.Fatalf("mudprobe: %v", err)
		}
		cfg.policy = telnet.NewPolicy(opts, opts)
	}
	if strings.TrimSpace(*request) != "" {
		opts, err := parseOptions(*request)
		if err != nil {
			log.Fatalf("mudprobe: %v", err)
		}
		cfg.request = opts
	}
	if strings.TrimSpace(*send) != "" {
		cfg.send = strings.Split(*send, "|")
	}

	conn, err := net.DialTimeout("tcp", cfg.addr, 10*time.Second)
	if err != nil {
		log.Fatalf("mudprobe: dial %s: %v", cfg.addr, err)
	}
	defer conn.Close()
	if cfg.duration > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.duration))
	}
	if err := probe(conn, os.Stdout, cfg); err != nil {
		log.Fatalf("mudprobe: %v", err)
	}
}

func parseOptions(list string) ([]byte, error) {
	var out []byte
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		opt, err := telnet.ParseOption(name)
		if err != nil {
			return nil, err
		}
		out = append(out, opt)
	}
	return out, nil
}

// Purpose: Decode conn until it closes or the deadline passes, answering
// negotiations the way a bot session would.
// Key aspects: Prints one line per frame ("<" inbound, ">" outbound) and the
// final option table. A deadline or EOF ends the probe without error.
// Upstream: main.
// Downstream: telnet.Decoder, telnet.Engine.
func probe(conn net.Conn, out io.Writer, cfg probeConfig) error {
	dec := telnet.NewDecoder(cfg.maxSub)
	eng := telnet.NewEngine(telnet.EngineConfig{Policy: cfg.policy})
	write := func(f telnet.Frame) error {
		fmt.Fprintf(out, "> %s\n", f)
		_, err := conn.Write(f.Bytes())
		return err
	}
	for _, opt := range cfg.request {
		if f, ok := eng.Request(opt, true); ok {
			if err := write(f); err != nil {
				return err
			}
		}
	}

	pending := cfg.send
	buf := make([]byte, 4096)
	var readErr error
	for readErr == nil {
		var n int
		n, readErr = conn.Read(buf)
		sawText := false
		for f := range dec.Feed(buf[:n]) {
			fmt.Fprintf(out, "< %s\n", f)
			for _, opt := range eng.Step() {
				fmt.Fprintf(out, "! %s request expired\n", telnet.OptionName(opt))
			}
			switch f.Kind {
			case telnet.FrameData:
				sawText = true
			case telnet.FrameNegotiate, telnet.FrameSubnegotiate:
				replies, err := eng.Handle(f)
				if err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
				for _, r := range replies {
					if err := write(r); err != nil {
						return err
					}
				}
			}
		}
		if sawText && len(pending) > 0 {
			line := pending[0]
			pending = pending[1:]
			if err := write(telnet.DataFrame([]byte(line + "\r\n"))); err != nil {
				return err
			}
		}
	}

	fmt.Fprintf(out, "-- %d anomalies\n", eng.Anomalies())
	for _, st := range eng.Snapshot() {
		fmt.Fprintf(out, "-- %-8s local=%s remote=%s\n", telnet.OptionName(st.Option), st.Local, st.Remote)
	}
	var ne net.Error
	if errors.Is(readErr, io.EOF) || (errors.As(readErr, &ne) && ne.Timeout()) {
		return nil
	}
	return readErr
}
