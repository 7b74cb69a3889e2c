package build

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/jrick/logrotate/rotator"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

const (
	// maxLogFileSizeKB is the size a log file can grow to before it's rotated
	maxLogFileSizeKB = 10 * 1024
	// maxLogFiles is the amount of rotated files kept around
	maxLogFiles = 3

	textLogFile = "dropbit.log"
	jsonLogFile = "dropbit.log.json"
)

var (
	registryLock sync.Mutex
	subsystems   = map[string]*subsystemHook{}

	// shared by every subsystem once SetLogDir is called
	textFile io.Writer
	jsonFile io.Writer
)

// formatter renders an entry logged by subsystem
type formatter func(subsystem string, entry *logrus.Entry) ([]byte, error)

// output is one destination of a subsystem's logs, with its own level.
// Nothing is written while w is nil.
type output struct {
	mu     sync.RWMutex
	level  logrus.Level
	w      io.Writer
	format formatter
}

func (o *output) setLevel(level logrus.Level) {
	o.mu.Lock()
	o.level = level
	o.mu.Unlock()
}

func (o *output) setWriter(w io.Writer) {
	o.mu.Lock()
	o.w = w
	o.mu.Unlock()
}

func (o *output) write(subsystem string, entry *logrus.Entry) error {
	o.mu.RLock()
	w, level := o.w, o.level
	o.mu.RUnlock()
	if w == nil || level < entry.Level {
		return nil
	}
	formatted, err := o.format(subsystem, entry)
	if err != nil {
		return err
	}
	_, err = w.Write(formatted)
	return err
}

// subsystemHook sends the entries of a subsystem to the console, and to the
// text and JSON log files
type subsystemHook struct {
	subsystem string
	outputs   []*output
}

var _ logrus.Hook = &subsystemHook{}

func newSubsystemHook(subsystem string) *subsystemHook {
	console := &output{w: os.Stdout, format: consoleFormat(isatty.IsTerminal(os.Stdout.Fd()))}
	text := &output{w: textFile, format: textFormat}
	json := &output{w: jsonFile, format: jsonFormat}
	h := &subsystemHook{
		subsystem: subsystem,
		outputs:   []*output{console, text, json},
	}
	h.setLevel(logrus.InfoLevel)
	return h
}

// Levels reports every level, filtering is done per output
func (h *subsystemHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *subsystemHook) Fire(entry *logrus.Entry) error {
	if entry == nil {
		return nil
	}
	var first error
	for _, o := range h.outputs {
		if err := o.write(h.subsystem, entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *subsystemHook) setLevel(level logrus.Level) {
	for _, o := range h.outputs {
		o.setLevel(level)
	}
}

func (h *subsystemHook) setFiles(text, json io.Writer) {
	h.outputs[1].setWriter(text)
	h.outputs[2].setWriter(json)
}

// AddSubLogger creates a new logger with a standard format. Subsystem names
// are four upper case letters by convention, e.g. "STLM". Loggers for the
// same subsystem share their levels and files.
func AddSubLogger(subsystem string) *logrus.Logger {
	registryLock.Lock()
	defer registryLock.Unlock()

	logger := logrus.New()
	logger.SetOutput(ioutil.Discard) // everything is written by the hook
	logger.SetLevel(logrus.TraceLevel)

	hook, ok := subsystems[subsystem]
	if !ok {
		hook = newSubsystemHook(subsystem)
		subsystems[subsystem] = hook
	}
	logger.AddHook(hook)
	return logger
}

// SetLogLevel sets the level of a single subsystem
func SetLogLevel(subsystem string, level logrus.Level) error {
	registryLock.Lock()
	defer registryLock.Unlock()

	hook, ok := subsystems[subsystem]
	if !ok {
		return fmt.Errorf("%s is not a log subsystem", subsystem)
	}
	hook.setLevel(level)
	return nil
}

// SetLogLevels sets the level of all registered subsystems
func SetLogLevels(level logrus.Level) {
	registryLock.Lock()
	defer registryLock.Unlock()

	for _, hook := range subsystems {
		hook.setLevel(level)
	}
}

// SetLogDir makes every subsystem, including ones added later, write to
// rotated text and JSON files in dir
func SetLogDir(dir string) error {
	registryLock.Lock()
	defer registryLock.Unlock()

	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("could not create log directory: %w", err)
	}
	text, err := openRotatingFile(filepath.Join(dir, textLogFile))
	if err != nil {
		return fmt.Errorf("could not open log file: %w", err)
	}
	json, err := openRotatingFile(filepath.Join(dir, jsonLogFile))
	if err != nil {
		return fmt.Errorf("could not open JSON log file: %w", err)
	}
	textFile, jsonFile = text, json
	for _, hook := range subsystems {
		hook.setFiles(text, json)
	}
	return nil
}

// ToLogLevel takes in a string and converts it to a Logrus log level
func ToLogLevel(s string) (logrus.Level, error) {
	level, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("%s is not a valid log level", s)
	}
	return level, nil
}

// openRotatingFile returns a writer appending to file, rolling it over when
// it grows too large
func openRotatingFile(file string) (io.Writer, error) {
	r, err := rotator.New(file, maxLogFileSizeKB, false, maxLogFiles)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		if err := r.Run(pr); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "log rotator for %s exited: %v\n", file, err)
		}
	}()
	return &lockedWriter{w: pw}, nil
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// withSubsystem prefixes the message with the subsystem, leaving entry as
// it is since it's shared between outputs
func withSubsystem(subsystem string, entry *logrus.Entry) *logrus.Entry {
	copied := *entry
	copied.Message = subsystem + " " + entry.Message
	return &copied
}

func consoleFormat(colors bool) formatter {
	format := &logrus.TextFormatter{
		TimestampFormat: "15:04:05",
		ForceColors:     colors,
		DisableColors:   !colors,
		FullTimestamp:   true,
	}
	return func(subsystem string, entry *logrus.Entry) ([]byte, error) {
		return format.Format(withSubsystem(subsystem, entry))
	}
}

var textFileFormat = &logrus.TextFormatter{
	ForceColors:     true,
	TimestampFormat: time.RFC3339,
	FullTimestamp:   true,
}

var ansiRegex = regexp.MustCompile("[\u001B\u009B][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))")

// textFormat looks like the console. Uncolored logrus output is logfmt, so
// entries are formatted with colors which are then stripped.
func textFormat(subsystem string, entry *logrus.Entry) ([]byte, error) {
	formatted, err := textFileFormat.Format(withSubsystem(subsystem, entry))
	if err != nil {
		return nil, err
	}
	return ansiRegex.ReplaceAll(formatted, nil), nil
}

var jsonFileFormat = &logrus.JSONFormatter{
	TimestampFormat: time.RFC3339,
}

// jsonFormat adds the subsystem as a field. WithField copies the data map but
// not the message, level or time.
func jsonFormat(subsystem string, entry *logrus.Entry) ([]byte, error) {
	tagged := entry.WithField("subsystem", subsystem)
	tagged.Message = entry.Message
	tagged.Level = entry.Level
	tagged.Time = entry.Time
	return jsonFileFormat.Format(tagged)
}
