package sh

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/abiosoft/ishell"

	"github.com/render-se/PX4-Autopilot/pkg/iolink"
	"github.com/render-se/PX4-Autopilot/pkg/iolink/hostio"
	"github.com/render-se/PX4-Autopilot/pkg/iolink/wire"
	"github.com/render-se/PX4-Autopilot/pkg/ioreg"
	"github.com/render-se/PX4-Autopilot/pkg/iosim"
	"github.com/render-se/PX4-Autopilot/pkg/telemetry"
)

// Shell provides the ishell backed interactive shell.
type Shell struct {
	Interactive bool
	OutputJSON  bool

	Shell   *ishell.Shell
	Session *Session
}

// Session is an open link together with its supporting pieces.
type Session struct {
	Kind   string
	Target string
	Engine *iolink.Engine
	Client *ioreg.Client

	// Sim is the in-process co-processor for "sim" links, nil otherwise.
	Sim *iosim.Coproc

	cancel func()
	wg     sync.WaitGroup
	queue  *telemetry.Queue
}

const (
	shellKey     = "$shell"
	closedPrompt = "[none] > "
)

// Exchange deadlines per transport. The hardware default is far too
// tight for links scheduled by the host.
const (
	serialTimeout = iolink.DefaultTimeout
	simTimeout    = 100 * time.Millisecond
	wsTimeout     = time.Second
)

var (
	// flags

	evalOnly   bool
	outputJSON bool
	linkSpec   string
	statsURL   string

	// commands
	commands = []*ishell.Cmd{
		&OpenCmd,
		&CloseCmd,
	}
)

func init() {
	flag.BoolVar(&evalOnly, "e", evalOnly, "Evaluation only, no interactive shell.")
	flag.BoolVar(&outputJSON, "json", outputJSON, "Print output in JSON.")
	flag.StringVar(&linkSpec, "link", os.Getenv("PX4IO_LINK"),
		"Link to open at start: sim, serial:DEV[:BAUD] or ws:URL.")
	flag.StringVar(&statsURL, "stats", os.Getenv("PX4IO_MQTT_URL"),
		"Publish link stats to this MQTT broker URL.")
}

// AddCmds is used by other command providers during init func.
func AddCmds(cmds ...*ishell.Cmd) {
	commands = append(commands, cmds...)
}

// New creates a new shell.
func New() *Shell {
	s := &Shell{
		Interactive: !evalOnly,
		OutputJSON:  outputJSON,

		Shell: ishell.New(),
	}
	s.Shell.Set(shellKey, s)
	s.Shell.SetPrompt(closedPrompt)
	for _, cmd := range commands {
		s.Shell.AddCmd(cmd)
	}
	return s
}

// ShellFrom gets Shell from ishell context.
func ShellFrom(c *ishell.Context) *Shell {
	return c.Get(shellKey).(*Shell)
}

// MustBeOpen wraps a command func that requires an open link.
func MustBeOpen(fn func(c *ishell.Context)) func(c *ishell.Context) {
	return func(c *ishell.Context) {
		if ShellFrom(c).Session == nil {
			c.Err(fmt.Errorf("no open link"))
			return
		}
		fn(c)
	}
}

// PrintJSON prints v as a single JSON line.
func PrintJSON(c *ishell.Context, v interface{}) {
	out, err := json.Marshal(v)
	if err != nil {
		c.Err(err)
		return
	}
	c.Println(string(out))
}

// Open establishes a link and replaces the current session.
func (s *Shell) Open(kind string, args ...string) error {
	sess := &Session{Kind: kind}
	ctx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel

	w, bitRate, timeout, err := sess.openWire(ctx, kind, args)
	if err != nil {
		sess.stop()
		return err
	}

	dev := hostio.NewDevice(w, hostio.Config{BitRate: bitRate})
	sess.Engine = iolink.New(dev)
	sess.Engine.Timeout = timeout
	sess.Engine.BitRate = bitRate
	if err := sess.Engine.Init(); err != nil {
		w.Close()
		sess.stop()
		return err
	}
	sess.Client = ioreg.NewClient(sess.Engine)
	sess.Client.Stats = sess.Engine.Stats

	if statsURL != "" {
		if err := sess.startTelemetry(ctx, statsURL); err != nil {
			log.Printf("stats publisher disabled: %v", err)
		}
	}

	s.CloseSession()
	s.Session = sess
	s.Shell.SetPrompt(fmt.Sprintf("%s > ", sess.Target))
	return nil
}

func (sess *Session) openWire(ctx context.Context, kind string, args []string) (wire.Wire, int, time.Duration, error) {
	bitRate := iolink.DefaultBitRate
	switch kind {
	case "sim":
		w, peer := wire.Pipe()
		sess.Sim = iosim.NewCoproc(peer)
		sess.wg.Add(1)
		go func() {
			defer sess.wg.Done()
			sess.Sim.Run(ctx)
		}()
		sess.Target = "sim"
		return w, bitRate, simTimeout, nil
	case "serial":
		if len(args) < 1 {
			return nil, 0, 0, fmt.Errorf("device path required")
		}
		if len(args) > 1 {
			baud, err := strconv.Atoi(args[1])
			if err != nil || baud <= 0 {
				return nil, 0, 0, fmt.Errorf("invalid baud rate %q", args[1])
			}
			bitRate = baud
		}
		w, err := wire.OpenSerial(args[0], bitRate)
		if err != nil {
			return nil, 0, 0, err
		}
		sess.Target = args[0]
		return w, bitRate, serialTimeout, nil
	case "ws":
		if len(args) < 1 {
			return nil, 0, 0, fmt.Errorf("websocket url required")
		}
		w, err := wire.DialWS(args[0], "")
		if err != nil {
			return nil, 0, 0, err
		}
		sess.Target = args[0]
		return w, bitRate, wsTimeout, nil
	}
	return nil, 0, 0, fmt.Errorf("unknown link kind %q", kind)
}

func (sess *Session) startTelemetry(ctx context.Context, url string) error {
	q, err := telemetry.NewQueueFromURL(url)
	if err != nil {
		return err
	}
	sess.queue = q
	token := q.Connect()
	go func() {
		if token.Wait() && token.Error() != nil {
			log.Printf("stats broker connect: %v", token.Error())
		}
	}()
	pub := telemetry.NewPublisher(q, sess.Engine.Stats)
	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		pub.Run(ctx)
	}()
	return nil
}

// OpenSpec opens a link from its one-string form, as given to -link.
func (s *Shell) OpenSpec(spec string) error {
	parts := strings.SplitN(spec, ":", 2)
	switch {
	case parts[0] == "sim":
		return s.Open("sim")
	case len(parts) < 2 || parts[1] == "":
		return fmt.Errorf("malformed link spec %q", spec)
	case parts[0] == "serial":
		return s.Open("serial", strings.Split(parts[1], ":")...)
	case parts[0] == "ws":
		return s.Open("ws", parts[1])
	}
	return fmt.Errorf("unknown link kind %q", parts[0])
}

// CloseSession closes the current link, if any.
func (s *Shell) CloseSession() {
	if s.Session == nil {
		return
	}
	s.Session.stop()
	s.Session = nil
	s.Shell.SetPrompt(closedPrompt)
}

func (sess *Session) stop() {
	if sess.Engine != nil {
		sess.Engine.Close()
	}
	if sess.cancel != nil {
		sess.cancel()
	}
	sess.wg.Wait()
	if sess.queue != nil {
		sess.queue.Close()
	}
}

// Run runs the shell.
func (s *Shell) Run(args ...string) {
	if linkSpec != "" {
		if s.Interactive {
			s.Shell.Printf("Opening %s ...\n", linkSpec)
		}
		if err := s.OpenSpec(linkSpec); err != nil {
			log.Fatalf("open %q failed: %v", linkSpec, err)
		}
	}
	defer s.CloseSession()

	if len(args) > 0 {
		if err := s.Shell.Process(args...); err != nil {
			log.Fatalln(err)
		}
		return
	}
	if s.Interactive {
		s.Shell.Run()
		return
	}
	log.Fatalln("command expected")
}

var (
	// OpenCmd opens a link.
	OpenCmd = ishell.Cmd{
		Name:    "open",
		Aliases: []string{"o"},
		Help:    "sim | serial DEV [BAUD] | ws URL",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 1 {
				c.Err(fmt.Errorf("link kind required"))
				return
			}
			if err := ShellFrom(c).Open(c.Args[0], c.Args[1:]...); err != nil {
				c.Err(err)
			}
		},
	}

	// CloseCmd closes the current link.
	CloseCmd = ishell.Cmd{
		Name:    "close",
		Aliases: []string{"x"},
		Help:    "",
		Func: func(c *ishell.Context) {
			ShellFrom(c).CloseSession()
		},
	}
)

// Main is a helper to provide a single call in main.
func Main() {
	flag.Parse()
	New().Run(flag.Args()...)
}
