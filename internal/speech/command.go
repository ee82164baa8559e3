package speech

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Flavor selects the command-line dialect of a synthesiser binary.
type Flavor int

const (
	// FlavorESpeak covers espeak-ng and classic espeak.
	FlavorESpeak Flavor = iota

	// FlavorSay is the macOS say command.
	FlavorSay
)

// String returns the flavor name.
func (f Flavor) String() string {
	switch f {
	case FlavorESpeak:
		return "espeak"
	case FlavorSay:
		return "say"
	default:
		return "Flavor(" + strconv.Itoa(int(f)) + ")"
	}
}

// Default speaking parameters of the supported synthesisers. Rate and pitch
// in an [Utterance] are multipliers of these values.
const (
	espeakWordsPerMinute = 175
	espeakPitch          = 50
	sayWordsPerMinute    = 175
)

// waitDelay bounds how long a killed synthesiser may hold its output pipes.
const waitDelay = 2 * time.Second

// candidates is the lookup order used by [Detect].
var candidates = []struct {
	name   string
	flavor Flavor
}{
	{"espeak-ng", FlavorESpeak},
	{"espeak", FlavorESpeak},
	{"say", FlavorSay},
}

// Detect returns a [CommandEngine] for the first synthesiser found on PATH,
// or nil when none is installed.
func Detect() *CommandEngine {
	for _, c := range candidates {
		path, err := exec.LookPath(c.name)
		if err != nil {
			continue
		}
		slog.Debug("speech: detected synthesiser", "binary", path, "flavor", c.flavor)
		return NewCommandEngine(path, c.flavor)
	}
	return nil
}

// FlavorFor guesses the flavor from a binary path: anything named "say" is
// [FlavorSay], everything else [FlavorESpeak].
func FlavorFor(binary string) Flavor {
	if filepath.Base(binary) == "say" {
		return FlavorSay
	}
	return FlavorESpeak
}

// CommandEngine is an [Engine] that runs one synthesiser process per
// utterance. Cancel kills every running process.
type CommandEngine struct {
	binary string
	flavor Flavor

	mu      sync.Mutex
	running map[int]context.CancelFunc
	nextID  int
	voices  []Voice
}

var _ Engine = (*CommandEngine)(nil)

// NewCommandEngine creates an engine driving binary with the given flavor.
func NewCommandEngine(binary string, flavor Flavor) *CommandEngine {
	return &CommandEngine{
		binary:  binary,
		flavor:  flavor,
		running: make(map[int]context.CancelFunc),
	}
}

// Binary returns the synthesiser path.
func (e *CommandEngine) Binary() string { return e.binary }

// Flavor returns the command-line dialect.
func (e *CommandEngine) Flavor() Flavor { return e.flavor }

// Speak implements [Engine].
func (e *CommandEngine) Speak(ctx context.Context, u Utterance) error {
	if strings.TrimSpace(u.Text) == "" {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.running[id] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, id)
		e.mu.Unlock()
	}()

	cmd := exec.CommandContext(ctx, e.binary, e.args(u)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("speech: speak: %w", context.Canceled)
		}
		return fmt.Errorf("speech: speak: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Cancel implements [Engine].
func (e *CommandEngine) Cancel() {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.running))
	for _, c := range e.running {
		cancels = append(cancels, c)
	}
	e.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}

// Voices implements [Engine]. The list is queried once and cached.
func (e *CommandEngine) Voices(ctx context.Context) ([]Voice, error) {
	e.mu.Lock()
	cached := e.voices
	e.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var args []string
	switch e.flavor {
	case FlavorSay:
		args = []string{"-v", "?"}
	default:
		args = []string{"--voices"}
	}
	out, err := exec.CommandContext(ctx, e.binary, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("speech: list voices: %w", err)
	}

	var voices []Voice
	switch e.flavor {
	case FlavorSay:
		voices = parseSayVoices(out)
	default:
		voices = parseESpeakVoices(out)
	}
	if voices == nil {
		voices = []Voice{}
	}

	e.mu.Lock()
	e.voices = voices
	e.mu.Unlock()
	return voices, nil
}

// args builds the command line for u.
func (e *CommandEngine) args(u Utterance) []string {
	var args []string
	switch e.flavor {
	case FlavorSay:
		if u.VoiceID != "" {
			args = append(args, "-v", u.VoiceID)
		}
		if u.Rate > 0 {
			args = append(args, "-r", strconv.Itoa(scale(sayWordsPerMinute, u.Rate)))
		}
	default:
		switch {
		case u.VoiceID != "":
			args = append(args, "-v", u.VoiceID)
		case u.Lang != "":
			args = append(args, "-v", strings.ToLower(normalizeTag(u.Lang)))
		}
		if u.Rate > 0 {
			args = append(args, "-s", strconv.Itoa(scale(espeakWordsPerMinute, u.Rate)))
		}
		if u.Pitch > 0 {
			args = append(args, "-p", strconv.Itoa(min(scale(espeakPitch, u.Pitch), 99)))
		}
	}
	// Text after "--" is never parsed as a flag.
	return append(args, "--", u.Text)
}

func scale(base int, factor float64) int {
	return max(int(float64(base)*factor+0.5), 1)
}

// parseESpeakVoices parses `espeak-ng --voices` output:
//
//	Pty Language       Age/Gender VoiceName          File                 Other Languages
//	 5  af              --/M      Afrikaans          gmw/af
func parseESpeakVoices(out []byte) []Voice {
	var voices []Voice
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[0] == "Pty" {
			continue
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			continue
		}
		voices = append(voices, Voice{
			ID:   fields[1],
			Name: strings.ReplaceAll(fields[3], "_", " "),
			Lang: fields[1],
		})
	}
	return voices
}

// sayVoiceLine matches one line of `say -v ?` output:
//
//	Alex                en_US    # Most people recognize me by my voice.
var sayVoiceLine = regexp.MustCompile(`^(.+?)\s+([A-Za-z]{2,3}[_-][A-Za-z0-9]+)\s+#`)

func parseSayVoices(out []byte) []Voice {
	var voices []Voice
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := sayVoiceLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[1])
		voices = append(voices, Voice{
			ID:   name,
			Name: name,
			Lang: normalizeTag(m[2]),
		})
	}
	return voices
}

// ErrNoSynthesiser is returned by [New] when no synthesiser is installed.
var ErrNoSynthesiser = errors.New("speech: no synthesiser found")

// New returns an engine for binary, or the detected one when binary is empty.
func New(binary string) (*CommandEngine, error) {
	if binary == "" {
		if e := Detect(); e != nil {
			return e, nil
		}
		return nil, ErrNoSynthesiser
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSynthesiser, err)
	}
	return NewCommandEngine(path, FlavorFor(path)), nil
}
