package recorder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/audiolibrelab/jamwatch/internal/capture"
	"github.com/audiolibrelab/jamwatch/internal/device"
	"github.com/audiolibrelab/jamwatch/internal/encoding"
)

// SpoolDir is the directory under the sessions root holding video encoded
// while idle.
const SpoolDir = ".spool"

const (
	minSpoolPeriod = 30 * time.Second
	discardTimeout = 500 * time.Millisecond
)

type spool struct {
	job     *encoding.Job
	started time.Time
}

// spooler keeps video devices encoding while idle so a session gets a
// longer video pre-roll. Each device has one or two overlapping spool
// files: a new one is started once the current one is twice the pre-roll
// old, and the older one is discarded once the new one covers the
// pre-roll. At commit the oldest file becomes the session's video track.
type spooler struct {
	dir     string
	pipe    *encoding.Pipeline
	coord   *capture.Coordinator
	preRoll time.Duration
	logger  *slog.Logger

	active map[string][]*spool
	seq    int
}

func newSpooler(root string, pipe *encoding.Pipeline, coord *capture.Coordinator, preRoll time.Duration) *spooler {
	if preRoll < minSpoolPeriod {
		preRoll = minSpoolPeriod
	}
	return &spooler{
		dir:     filepath.Join(root, SpoolDir),
		pipe:    pipe,
		coord:   coord,
		preRoll: preRoll,
		logger:  slog.Default().With("component", "spool"),
		active:  make(map[string][]*spool),
	}
}

func (s *spooler) open(b device.Binding, now time.Time) (*spool, error) {
	s.seq++
	job, err := s.pipe.StartJob(encoding.JobSpec{
		DeviceID: b.ID,
		Caps:     b.Caps,
		Dir:      s.dir,
		Name:     fmt.Sprintf("%s-%d", b.ID, s.seq),
	})
	if err != nil {
		return nil, err
	}
	return &spool{job: job, started: now}, nil
}

func (s *spooler) attach(id string) {
	var taps []capture.Sink
	for _, sp := range s.active[id] {
		taps = append(taps, sp.job)
	}
	if err := s.coord.SetTaps(id, taps...); err != nil {
		s.logger.Debug("Failed to attach spool", "device", id, "error", err)
	}
}

// start begins spooling every bound video device not spooling yet.
func (s *spooler) start(bindings []device.Binding, now time.Time) {
	for _, b := range bindings {
		if !b.Has(device.RoleRecordVideo) || len(s.active[b.ID]) > 0 {
			continue
		}
		sp, err := s.open(b, now)
		if err != nil {
			s.logger.Warn("Failed to start video spool", "device", b.ID, "error", err)
			continue
		}
		s.active[b.ID] = []*spool{sp}
		s.attach(b.ID)
	}
}

// rotate starts and retires spool files as they age.
func (s *spooler) rotate(bindings []device.Binding, now time.Time) {
	for _, b := range bindings {
		list := s.active[b.ID]
		switch {
		case len(list) == 1 && now.Sub(list[0].started) >= 2*s.preRoll:
			sp, err := s.open(b, now)
			if err != nil {
				s.logger.Warn("Failed to rotate video spool", "device", b.ID, "error", err)
				continue
			}
			s.active[b.ID] = append(list, sp)
			s.attach(b.ID)
		case len(list) == 2 && now.Sub(list[1].started) >= s.preRoll:
			s.active[b.ID] = list[1:]
			s.attach(b.ID)
			s.discard(list[0])
		}
	}
}

// claim hands the oldest spool of a device to a session and discards the
// rest. The claimed job stays attached as the device's only tap.
func (s *spooler) claim(id string) *encoding.Job {
	list := s.active[id]
	if len(list) == 0 {
		return nil
	}
	delete(s.active, id)
	for _, sp := range list[1:] {
		s.discard(sp)
	}
	if err := s.coord.SetTaps(id, list[0].job); err != nil {
		s.logger.Debug("Failed to attach claimed spool", "device", id, "error", err)
	}
	return list[0].job
}

// claimAll claims the spools of every recording video binding.
func (s *spooler) claimAll(bindings []device.Binding) map[string]*encoding.Job {
	jobs := make(map[string]*encoding.Job)
	for _, b := range bindings {
		if job := s.claim(b.ID); job != nil {
			jobs[b.ID] = job
		}
	}
	return jobs
}

// stop discards every spool.
func (s *spooler) stop() {
	for id, list := range s.active {
		_ = s.coord.SetTaps(id)
		for _, sp := range list {
			s.discard(sp)
		}
	}
	s.active = make(map[string][]*spool)
}

func (s *spooler) discard(sp *spool) {
	res := sp.job.Finish(discardTimeout)
	if err := os.Remove(res.Path); err != nil && !os.IsNotExist(err) {
		s.logger.Debug("Failed to remove spool file", "path", res.Path, "error", err)
	}
}
