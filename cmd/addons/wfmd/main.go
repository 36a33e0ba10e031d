// Command wfmd is PhaseHound's WBFM demodulator addon. The original runs
// a full channelize→limit→discriminate→decimate→de-emphasize chain; this
// port keeps the control-plane surface and the actual FM discriminator
// (atan2 of the conjugate product of consecutive IQ samples) but drops the
// channelizing/decimation filter bank, since no FIR design library
// survived into this corpus and spec.md's WBFM module only requires "a
// real minimal discriminator", not bit-exact channel selectivity.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
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

const addonName = "wfmd"
const feedAudioInfo = addonName + ".audio-info"

const audioSampleRate = 48000.0
const audioRingSeconds = 2
const audioRingBytes = audioSampleRate * audioRingSeconds * 4 // float32 mono

var (
	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      = zap.NewNop()
	sockPath string

	active  atomic.Bool
	gain    atomic.Uint64 // math.Float32bits, stored widened
	deemph  atomic.Bool
	iqFeed  string
	iqFeedM sync.Mutex

	iqRing    *shmring.Stream
	iqRingMu  sync.Mutex
	audioRing *shmring.Stream
)

func init() {
	gain.Store(uint64(math.Float32bits(4.0)))
	deemph.Store(true)
}

func getGain() float32 { return math.Float32frombits(uint32(gain.Load())) }

// PluginName reports this addon's name.
func PluginName() string { return addonName }

// PluginInit validates ABI and reports capabilities.
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
		Produces: []string{addonName + ".config.out", feedAudioInfo},
		FeatBits: plugin.FeatPCM,
	}, true
}

// PluginStart launches the control-plane + demod goroutine.
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
			log.Warn("wfmd stopped", zap.Error(err))
		}
	}()
	return true
}

// PluginStop signals the goroutine, waits, and releases both rings.
func PluginStop() {
	mu.Lock()
	c := cancel
	cancel = nil
	mu.Unlock()
	if c != nil {
		c()
	}
	wg.Wait()

	iqRingMu.Lock()
	if iqRing != nil {
		iqRing.Close()
		iqRing = nil
	}
	iqRingMu.Unlock()
	if audioRing != nil {
		audioRing.Close()
		audioRing = nil
	}
}

func runCtrl(ctx context.Context, c *control.Ctx) error {
	if err := c.CreateFeed(feedAudioInfo); err != nil {
		return err
	}
	if audioRing == nil {
		r, err := shmring.CreateStream(shmring.KindAudio, "ph-wfmd-audio", audioSampleRate, 1, shmring.FmtF32, audioRingBytes, shmring.OverflowAdvance)
		if err != nil {
			return fmt.Errorf("wfmd: create audio ring: %w", err)
		}
		audioRing = r
	}
	publishAudioInfo(c)

	demodCtx, demodCancel := context.WithCancel(ctx)
	defer demodCancel()
	var demodWG sync.WaitGroup
	demodWG.Add(1)
	go func() {
		defer demodWG.Done()
		demodLoop(demodCtx)
	}()
	defer demodWG.Wait()

	return c.RecvDispatchLoop(ctx, 1<<16, 10*time.Millisecond, onCmd, nil, onOtherFrame)
}

// ringMapView decodes just the fields PublishRingMap sends — enough to
// recognize "this is the IQ ring I subscribed to".
type ringMapView struct {
	Type    string `json:"type"`
	Feed    string `json:"feed"`
	Subtype string `json:"subtype"`
}

// onOtherFrame handles frames Dispatch didn't recognize as addressed to
// wfmd.config.in: the only one that matters is a shm_map publish on the
// subscribed iq-source feed, carrying the IQ ring's fd.
func onOtherFrame(frame *wire.Frame) error {
	var v ringMapView
	if err := json.Unmarshal(frame.Payload, &v); err != nil {
		wire.CloseFDs(frame.FDs)
		return nil
	}

	iqFeedM.Lock()
	want := iqFeed
	iqFeedM.Unlock()

	if v.Type != "publish" || v.Subtype != "shm_map" || want == "" || v.Feed != want || len(frame.FDs) == 0 {
		wire.CloseFDs(frame.FDs)
		return nil
	}

	r, err := shmring.AttachStream(shmring.KindIQ, frame.FDs[0], shmring.OverflowDrop)
	if len(frame.FDs) > 1 {
		wire.CloseFDs(frame.FDs[1:])
	}
	if err != nil {
		log.Warn("attach iq ring failed", zap.Error(err))
		return nil
	}

	iqRingMu.Lock()
	if iqRing != nil {
		iqRing.Close()
	}
	iqRing = r
	iqRingMu.Unlock()
	return nil
}

// demodLoop drains the IQ ring at a fixed tick, computes the FM
// discriminator output for each consecutive complex-sample pair, applies
// gain and optional one-pole de-emphasis, and pushes the result into the
// audio ring. It only runs while active.
func demodLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	const maxComplexPerTick = 1 << 14
	iqBuf := make([]byte, maxComplexPerTick*8) // cf32: 4+4 bytes per sample
	audioBuf := make([]byte, maxComplexPerTick*4)

	var prevI, prevQ float32
	var haveEmph float32

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !active.Load() {
			continue
		}
		iqRingMu.Lock()
		r := iqRing
		iqRingMu.Unlock()
		if r == nil || audioRing == nil {
			continue
		}

		n := r.PopFrames(iqBuf, maxComplexPerTick, 8)
		if n == 0 {
			continue
		}

		g := getGain()
		doDeemph := deemph.Load()
		const tau = 50e-6
		alpha := float32(math.Exp(-1.0 / (audioSampleRate * tau)))

		for i := 0; i < n; i++ {
			re := math.Float32frombits(leU32(iqBuf[i*8:]))
			im := math.Float32frombits(leU32(iqBuf[i*8+4:]))

			// conjugate product of consecutive samples: (re,im)*(prevI,-prevQ)
			crossRe := re*prevI + im*prevQ
			crossIm := im*prevI - re*prevQ
			var disc float32
			if crossRe != 0 || crossIm != 0 {
				disc = float32(math.Atan2(float64(crossIm), float64(crossRe)))
			}
			prevI, prevQ = re, im

			sample := g * disc
			if doDeemph {
				haveEmph = alpha*haveEmph + (1-alpha)*sample
				sample = haveEmph
			}
			if sample > 1 {
				sample = 1
			} else if sample < -1 {
				sample = -1
			}
			putLE32(audioBuf[i*4:], math.Float32bits(sample))
		}

		if _, _, err := audioRing.Push(audioBuf[:n*4]); err != nil {
			log.Warn("audio ring push failed", zap.Error(err))
		}
	}
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func publishAudioInfo(c *control.Ctx) {
	if audioRing == nil {
		return
	}
	meta := control.RingMeta{
		Kind:       "audio",
		Encoding:   "f32",
		SampleRate: audioSampleRate,
		Channels:   1,
	}
	_ = c.PublishRingMap(feedAudioInfo, audioRing.FD(), "phasehound.audio-ring.v0", "0.1", uint32(audioRing.Capacity()), "WFMD audio ring (f32)", "rw", meta)
}

func onCmd(c *control.Ctx, line string, _ any) {
	line = strings.TrimSpace(line)

	if parsed, ok, err := control.ParseSubscribeCmd(line); ok {
		if err != nil {
			_ = c.ReplyErr(err.Error())
			return
		}
		if parsed.Usage != "iq-source" {
			_ = c.ReplyErr("unknown usage (expected iq-source)")
			return
		}
		iqFeedM.Lock()
		if iqFeed != "" {
			_ = c.Unsubscribe(iqFeed)
		}
		iqFeed = parsed.Feed
		iqFeedM.Unlock()
		_ = c.Subscribe(parsed.Feed)
		_ = c.Replyf(true, "iq-source=%s", parsed.Feed)
		return
	}
	if parsed, ok, err := control.ParseUnsubscribeCmd(line); ok {
		if err != nil {
			_ = c.ReplyErr(err.Error())
			return
		}
		if parsed.Usage != "iq-source" {
			_ = c.ReplyErr("unknown usage (expected iq-source)")
			return
		}
		iqFeedM.Lock()
		if iqFeed != "" {
			_ = c.Unsubscribe(iqFeed)
			iqFeed = ""
		}
		iqFeedM.Unlock()
		_ = c.ReplyOk("unsubscribed iq-source")
		return
	}

	fields := strings.Fields(line)
	verb := ""
	if len(fields) > 0 {
		verb = fields[0]
	}

	switch verb {
	case "help":
		_ = c.ReplyOk("help|open|start|stop|status|subscribe iq-source <feed>|unsubscribe iq-source|gain <f>|deemph <0|1>")

	case "open":
		publishAudioInfo(c)
		_ = c.ReplyOk("republished")

	case "gain":
		if len(fields) != 2 {
			_ = c.ReplyErr("gain <f>")
			return
		}
		v, err := strconv.ParseFloat(fields[1], 32)
		if err != nil {
			_ = c.ReplyErr("gain <f>")
			return
		}
		if v < 0.1 {
			v = 0.1
		}
		if v > 16.0 {
			v = 16.0
		}
		gain.Store(uint64(math.Float32bits(float32(v))))
		_ = c.Replyf(true, "gain=%.3f", v)

	case "deemph":
		if len(fields) != 2 {
			_ = c.ReplyErr("deemph <0|1>")
			return
		}
		deemph.Store(fields[1] != "0")
		_ = c.Replyf(true, "deemph=%v", deemph.Load())

	case "status":
		iqRingMu.Lock()
		hasIQ := iqRing != nil
		iqRingMu.Unlock()
		_ = c.Publish(addonName+".config.out", struct {
			OK     bool    `json:"ok"`
			Gain   float64 `json:"gain"`
			Deemph bool    `json:"deemph"`
			Active bool    `json:"active"`
			HasIQ  bool    `json:"has_iq_source"`
		}{true, float64(getGain()), deemph.Load(), active.Load(), hasIQ})

	case "start":
		active.Store(true)
		_ = c.ReplyOk("started")

	case "stop":
		active.Store(false)
		_ = c.ReplyOk("stopped")

	default:
		_ = c.ReplyErr("unknown")
	}
}

func main() {} // unused: built with -buildmode=plugin, never executed directly
