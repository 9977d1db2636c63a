package supervisor

import (
	"bufio"
	"io"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/readiness"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/consts"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/logger"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/protocol"
)

// maxLineSize caps a single line of child output. Longer lines are cut and
// scanning continues with the next one.
const maxLineSize = 1 << 20

// Upstream is one supervised child process. The same Upstream survives
// restarts; each run gets a new generation number.
type Upstream struct {
	mu sync.Mutex

	spec    protocol.UpstreamSpec
	readyRe *regexp.Regexp
	log     logger.Logger
	backoff *backoff.ExponentialBackOff

	cmd       *exec.Cmd
	gen       int
	state     consts.UpstreamState
	pid       int
	exitCode  *int
	crashed   bool
	restarts  int
	startedAt time.Time
	since     time.Time

	stopRequested bool
	stopCh        chan struct{}
	done          chan struct{}
	readyTimer    *time.Timer
}

func newUpstream(spec protocol.UpstreamSpec, readyRe *regexp.Regexp) *Upstream {
	u := &Upstream{
		state:  consts.UpstreamStarting,
		stopCh: make(chan struct{}),
		since:  time.Now(),
	}
	u.configure(spec, readyRe)
	return u
}

func (u *Upstream) configure(spec protocol.UpstreamSpec, readyRe *regexp.Regexp) {
	u.spec = spec
	u.readyRe = readyRe
	u.log = logger.Log.With("role", spec.Role)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = spec.Restart.InitialInterval
	b.MaxInterval = spec.Restart.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	u.backoff = b
}

// resetForManualLaunch prepares an exited or failed upstream for a fresh
// launch and cancels any restart that was still pending. Caller holds the
// manager lock.
func (u *Upstream) resetForManualLaunch(spec protocol.UpstreamSpec, readyRe *regexp.Regexp) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.stopRequested {
		close(u.stopCh)
	}
	u.stopCh = make(chan struct{})
	u.stopRequested = false
	u.restarts = 0
	u.gen++
	u.configure(spec, readyRe)
}

// alive reports a run that has not exited yet.
func (u *Upstream) alive() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.cmd != nil && (u.state == consts.UpstreamStarting || u.state == consts.UpstreamRunning)
}

// Role returns the upstream's role.
func (u *Upstream) Role() consts.Role { return u.spec.Role }

// Status returns a snapshot of the upstream.
func (u *Upstream) Status() readiness.UpstreamStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.statusLocked()
}

func (u *Upstream) statusLocked() readiness.UpstreamStatus {
	st := readiness.UpstreamStatus{
		Role:     u.spec.Role,
		State:    u.state,
		Required: u.spec.Required(),
		Crashed:  u.crashed,
		Pid:      u.pid,
		Restarts: u.restarts,
		Since:    u.since,
	}
	if u.exitCode != nil {
		code := *u.exitCode
		st.ExitCode = &code
	}
	return st
}

func (u *Upstream) matchReady(gen int, line string, m *Manager) {
	if u.readyRe == nil || !u.readyRe.MatchString(line) {
		return
	}
	u.markRunning(gen, "ready pattern matched", m)
}

// markRunning moves the given run from starting to running. Stale
// generations and repeated calls are ignored.
func (u *Upstream) markRunning(gen int, reason string, m *Manager) {
	u.mu.Lock()
	if gen != u.gen || u.state != consts.UpstreamStarting {
		u.mu.Unlock()
		return
	}
	if u.readyTimer != nil {
		u.readyTimer.Stop()
		u.readyTimer = nil
	}
	u.state = consts.UpstreamRunning
	u.since = time.Now()
	status := u.statusLocked()
	u.mu.Unlock()

	u.log.Info("Supervisor: upstream running", "pid", status.Pid, "reason", reason)
	m.observer.UpstreamChanged(status)
}

// lineSink receives a child's output stream and logs it line by line.
type lineSink struct {
	pw     *io.PipeWriter
	finish chan struct{}
	once   sync.Once
}

func newLineSink(log logger.Logger, isErr bool, onLine func(string)) *lineSink {
	pr, pw := io.Pipe()
	s := &lineSink{pw: pw, finish: make(chan struct{})}

	go func() {
		defer close(s.finish)
		r := bufio.NewReaderSize(pr, 64*1024)
		for {
			line, truncated, err := readLine(r)
			if err != nil && line == "" {
				return
			}
			if truncated {
				log.Warn("Supervisor: output line truncated", "limit", maxLineSize)
			}
			if isErr {
				log.Warn("upstream output", "line", line)
			} else {
				log.Info("upstream output", "line", line)
			}
			onLine(line)
			if err != nil {
				return
			}
		}
	}()
	return s
}

// readLine returns the next line without its terminator, keeping at most
// maxLineSize bytes and discarding the rest of an overlong line.
func readLine(r *bufio.Reader) (string, bool, error) {
	var (
		buf       []byte
		truncated bool
	)
	for {
		frag, isPrefix, err := r.ReadLine()
		if err != nil {
			return string(buf), truncated, err
		}
		if room := maxLineSize - len(buf); len(frag) > room {
			frag = frag[:room]
			truncated = true
		}
		buf = append(buf, frag...)
		if !isPrefix {
			return string(buf), truncated, nil
		}
	}
}

func (s *lineSink) Write(p []byte) (int, error) { return s.pw.Write(p) }

// Close ends the stream and waits until every buffered line is logged.
func (s *lineSink) Close() error {
	s.once.Do(func() { _ = s.pw.Close() })
	<-s.finish
	return nil
}

// Personal.AI order the ending
