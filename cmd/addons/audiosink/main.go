// Command audiosink is PhaseHound's PCM consumer addon. The original opens
// a real ALSA device and writes frames to it; no ALSA binding survives
// into this corpus, so this addon instead drains whatever audio ring it's
// pointed at and keeps a running RMS/peak meter, reported via status in
// place of actual playback.
package main

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/phasehound/phasehound/internal/control"
	"github.com/phasehound/phasehound/internal/plugin"
	"github.com/phasehound/phasehound/internal/shmring"
	"github.com/phasehound/phasehound/internal/wire"
)

const addonName = "audiosink"

var (
	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      = zap.NewNop()
	sockPath string

	playing atomic.Bool

	feedM       sync.Mutex
	currentFeed string

	ring   *shmring.Stream
	ringMu sync.Mutex

	rmsBits  atomic.Uint64 // math.Float64bits
	peakBits atomic.Uint64
)

func getRMS() float64  { return math.Float64frombits(rmsBits.Load()) }
func getPeak() float64 { return math.Float64frombits(peakBits.Load()) }

// PluginName reports this addon's name.
func PluginName() string { return addonName }

// PluginInit validates ABI and reports this addon's capabilities.
func PluginInit(ctx plugin.Ctx) (plugin.Caps, bool) {
	if err := plugin.CheckABI(ctx); err != nil {
		return plugin.Caps{}, false
	}
	if l, err := zap.NewDevelopment(); err == nil {
		log = l
	}
	sockPath = ctx.SockPath
	return plugin.Caps{
		Name:     addonName,
		Version:  "0.4.0",
		Consumes: []string{addonName + ".config.in"},
		Produces: []string{addonName + ".config.out"},
		FeatBits: plugin.FeatPCM,
	}, true
}

// PluginStart launches the control-plane goroutine. The meter loop runs
// alongside it from connect, but drains nothing until a ring is attached
// and "start" is issued, mirroring the original's no-autostart play thread.
func PluginStart() bool {
	mu.Lock()
	defer mu.Unlock()
	if cancel != nil {
		return true
	}
	ctx, cancelFn := context.WithCancel(context.Background())
	cancel = cancelFn
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := control.RunWithReconnect(ctx, sockPath, addonName, log, runCtrl); err != nil {
			log.Warn("audiosink stopped", zap.Error(err))
		}
	}()
	return true
}

// PluginStop stops the meter, signals the control goroutine and waits.
func PluginStop() {
	playing.Store(false)
	mu.Lock()
	c := cancel
	cancel = nil
	mu.Unlock()
	if c != nil {
		c()
	}
	wg.Wait()

	ringMu.Lock()
	if ring != nil {
		ring.Close()
		ring = nil
	}
	ringMu.Unlock()
}

func runCtrl(ctx context.Context, c *control.Ctx) error {
	meterCtx, meterCancel := context.WithCancel(ctx)
	defer meterCancel()
	var meterWG sync.WaitGroup
	meterWG.Add(1)
	go func() {
		defer meterWG.Done()
		meterLoop(meterCtx)
	}()
	defer meterWG.Wait()

	return c.RecvDispatchLoop(ctx, 1<<16, 100*time.Millisecond, onCmd, nil, onOtherFrame)
}

type ringMapView struct {
	Type    string `json:"type"`
	Feed    string `json:"feed"`
	Subtype string `json:"subtype"`
}

// onOtherFrame recognizes a shm_map publish on the subscribed pcm-source
// feed and attaches its fd as this addon's audio ring — the Go analogue of
// au_ring_map_from_fd being driven out of cmd_thread's recv loop.
func onOtherFrame(frame *wire.Frame) error {
	var v ringMapView
	if err := json.Unmarshal(frame.Payload, &v); err != nil {
		wire.CloseFDs(frame.FDs)
		return nil
	}

	feedM.Lock()
	want := currentFeed
	feedM.Unlock()

	if v.Type != "publish" || v.Subtype != "shm_map" || want == "" || v.Feed != want || len(frame.FDs) == 0 {
		wire.CloseFDs(frame.FDs)
		return nil
	}

	r, err := shmring.AttachStream(shmring.KindAudio, frame.FDs[0], shmring.OverflowDrop)
	if len(frame.FDs) > 1 {
		wire.CloseFDs(frame.FDs[1:])
	}
	if err != nil {
		log.Warn("attach pcm ring failed", zap.Error(err))
		return nil
	}

	ringMu.Lock()
	if ring != nil {
		ring.Close()
	}
	ring = r
	ringMu.Unlock()
	return nil
}

// meterLoop drains the attached ring at a fixed tick and records the RMS of
// each tick's samples plus a slowly decaying peak, in place of the
// original's ALSA writei call.
func meterLoop(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	const maxSamples = 1 << 13
	buf := make([]byte, maxSamples*4)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !playing.Load() {
			continue
		}
		ringMu.Lock()
		r := ring
		ringMu.Unlock()
		if r == nil {
			continue
		}

		n := r.Pop(buf)
		if n == 0 {
			continue
		}
		nSamples := n / 4
		var sumSq float64
		peak := getPeak() * 0.98 // slow decay so the meter isn't sticky
		for i := 0; i < nSamples; i++ {
			bits := uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
			s := float64(math.Float32frombits(bits))
			sumSq += s * s
			if a := math.Abs(s); a > peak {
				peak = a
			}
		}
		rms := math.Sqrt(sumSq / float64(nSamples))
		rmsBits.Store(math.Float64bits(rms))
		peakBits.Store(math.Float64bits(peak))
	}
}

func onCmd(c *control.Ctx, line string, _ any) {
	line = strings.TrimSpace(line)

	if parsed, ok, err := control.ParseSubscribeCmd(line); ok {
		if err != nil {
			_ = c.ReplyErr(err.Error())
			return
		}
		if !isPCMUsage(parsed.Usage) {
			_ = c.ReplyErr("unknown usage (expected pcm-source)")
			return
		}
		feedM.Lock()
		if currentFeed != "" {
			_ = c.Unsubscribe(currentFeed)
		}
		currentFeed = parsed.Feed
		feedM.Unlock()
		_ = c.Subscribe(parsed.Feed)
		_ = c.Replyf(true, "subscribed %s %s", parsed.Usage, parsed.Feed)
		return
	}
	if parsed, ok, err := control.ParseUnsubscribeCmd(line); ok {
		if err != nil {
			_ = c.ReplyErr(err.Error())
			return
		}
		if !isPCMUsage(parsed.Usage) {
			_ = c.ReplyErr("unknown usage (expected pcm-source)")
			return
		}
		feedM.Lock()
		if currentFeed != "" {
			_ = c.Unsubscribe(currentFeed)
			currentFeed = ""
		}
		feedM.Unlock()
		_ = c.Replyf(true, "unsubscribed %s", parsed.Usage)
		return
	}

	fields := strings.Fields(line)
	verb := ""
	if len(fields) > 0 {
		verb = fields[0]
	}

	switch verb {
	case "help":
		_ = c.ReplyOk("help|start|stop|subscribe <usage> <feed>|unsubscribe <usage>|status")

	case "start":
		playing.Store(true)
		_ = c.ReplyOk("started")

	case "stop":
		playing.Store(false)
		_ = c.ReplyOk("stopped")

	case "status":
		ringMu.Lock()
		hasRing := ring != nil
		ringMu.Unlock()
		feedM.Lock()
		feed := currentFeed
		feedM.Unlock()
		_ = c.Publish(addonName+".config.out", struct {
			OK      bool    `json:"ok"`
			PCM     bool    `json:"pcm"`
			Feed    string  `json:"feed"`
			Playing bool    `json:"playing"`
			RMS     float64 `json:"rms"`
			Peak    float64 `json:"peak"`
		}{true, hasRing, feed, playing.Load(), getRMS(), getPeak()})

	default:
		_ = c.ReplyErr("unknown")
	}
}

func isPCMUsage(usage string) bool {
	return usage == "pcm-source" || usage == "pcm" || usage == "audio-source"
}

func main() {} // unused: built with -buildmode=plugin, never executed directly
