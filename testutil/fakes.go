package testutil

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/onnwee/chat-relay/innertube"
)

// ErrNotFound is returned by FakeClient for unregistered videos and channels.
var ErrNotFound = errors.New("not found")

// FakeLiveChat is an innertube.LiveChat whose callbacks are fired by the test.
type FakeLiveChat struct {
	mu       sync.Mutex
	onStart  []func()
	onEnd    []func()
	onError  []func(error)
	onUpdate []func(innertube.ChatUpdate)

	started          int
	stopped          int
	listenersRemoved int
	sent             []string

	StartErr error
	SendErr  error
}

func NewFakeLiveChat() *FakeLiveChat { return &FakeLiveChat{} }

func (c *FakeLiveChat) OnStart(fn func()) {
	c.mu.Lock()
	c.onStart = append(c.onStart, fn)
	c.mu.Unlock()
}

func (c *FakeLiveChat) OnEnd(fn func()) {
	c.mu.Lock()
	c.onEnd = append(c.onEnd, fn)
	c.mu.Unlock()
}

func (c *FakeLiveChat) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = append(c.onError, fn)
	c.mu.Unlock()
}

func (c *FakeLiveChat) OnChatUpdate(fn func(innertube.ChatUpdate)) {
	c.mu.Lock()
	c.onUpdate = append(c.onUpdate, fn)
	c.mu.Unlock()
}

// Start records the call. It does not fire the start callback; use FireStart.
func (c *FakeLiveChat) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
	return c.StartErr
}

func (c *FakeLiveChat) Stop() {
	c.mu.Lock()
	c.stopped++
	c.mu.Unlock()
}

func (c *FakeLiveChat) RemoveAllListeners() {
	c.mu.Lock()
	c.onStart, c.onEnd, c.onError, c.onUpdate = nil, nil, nil, nil
	c.listenersRemoved++
	c.mu.Unlock()
}

func (c *FakeLiveChat) SendMessage(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *FakeLiveChat) FireStart() {
	c.mu.Lock()
	fns := append([]func(){}, c.onStart...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *FakeLiveChat) FireEnd() {
	c.mu.Lock()
	fns := append([]func(){}, c.onEnd...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *FakeLiveChat) FireError(err error) {
	c.mu.Lock()
	fns := append([]func(error){}, c.onError...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (c *FakeLiveChat) FireUpdate(u innertube.ChatUpdate) {
	c.mu.Lock()
	fns := append([]func(innertube.ChatUpdate){}, c.onUpdate...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

// Started returns how many times Start was called.
func (c *FakeLiveChat) Started() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Stopped returns how many times Stop was called.
func (c *FakeLiveChat) Stopped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// ListenersRemoved returns how many times RemoveAllListeners was called.
func (c *FakeLiveChat) ListenersRemoved() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listenersRemoved
}

// Sent returns the messages accepted by SendMessage.
func (c *FakeLiveChat) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// FakeClient is an in-memory innertube.Client.
type FakeClient struct {
	mu       sync.Mutex
	infos    map[string]*innertube.VideoInfo
	infoErrs map[string]error
	chats    map[string]*FakeLiveChat
	chatErrs map[string]error

	// ResolveFunc backs ResolveURL when set; otherwise Channels is consulted
	// with the lowercased handle taken from the URL.
	ResolveFunc func(ctx context.Context, url string) (string, error)
	Channels    map[string]string
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		infos:    make(map[string]*innertube.VideoInfo),
		infoErrs: make(map[string]error),
		chats:    make(map[string]*FakeLiveChat),
		chatErrs: make(map[string]error),
		Channels: make(map[string]string),
	}
}

// AddLive registers a live video with a fresh chat handle and returns the handle.
func (f *FakeClient) AddLive(videoID string) *FakeLiveChat {
	return f.AddVideo(&innertube.VideoInfo{ID: videoID, IsLive: true})
}

// AddVideo registers info with a fresh chat handle and returns the handle.
func (f *FakeClient) AddVideo(info *innertube.VideoInfo) *FakeLiveChat {
	c := NewFakeLiveChat()
	f.mu.Lock()
	f.infos[info.ID] = info
	f.chats[info.ID] = c
	f.mu.Unlock()
	return c
}

// SetInfoError makes GetInfo fail for videoID.
func (f *FakeClient) SetInfoError(videoID string, err error) {
	f.mu.Lock()
	f.infoErrs[videoID] = err
	f.mu.Unlock()
}

// SetChatError makes GetLiveChat fail for videoID.
func (f *FakeClient) SetChatError(videoID string, err error) {
	f.mu.Lock()
	f.chatErrs[videoID] = err
	f.mu.Unlock()
}

// Chat returns the registered handle for videoID.
func (f *FakeClient) Chat(videoID string) *FakeLiveChat {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats[videoID]
}

func (f *FakeClient) GetInfo(_ context.Context, videoID string) (*innertube.VideoInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.infoErrs[videoID]; err != nil {
		return nil, err
	}
	info, ok := f.infos[videoID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *info
	chat, chatErr := f.chats[videoID], f.chatErrs[videoID]
	cp.ChatOpener = func(context.Context) (innertube.LiveChat, error) {
		if chatErr != nil {
			return nil, chatErr
		}
		if chat == nil {
			return nil, innertube.ErrChatUnavailable
		}
		return chat, nil
	}
	return &cp, nil
}

func (f *FakeClient) ResolveURL(ctx context.Context, url string) (string, error) {
	if f.ResolveFunc != nil {
		return f.ResolveFunc(ctx, url)
	}
	handle := url
	if i := strings.LastIndex(url, "@"); i >= 0 {
		handle = url[i+1:]
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.Channels[strings.ToLower(handle)]; ok {
		return id, nil
	}
	return "", ErrNotFound
}

// FakeDetector returns a configurable set of live video ids.
type FakeDetector struct {
	mu    sync.Mutex
	live  []string
	err   error
	calls int
}

// SetLive replaces the ids returned by the next detections and clears any error.
func (d *FakeDetector) SetLive(ids ...string) {
	d.mu.Lock()
	d.live = append([]string(nil), ids...)
	d.err = nil
	d.mu.Unlock()
}

// SetError makes detections fail with err.
func (d *FakeDetector) SetError(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// Calls returns how many detections ran.
func (d *FakeDetector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *FakeDetector) DetectLiveStreams(context.Context, string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return append([]string(nil), d.live...), nil
}

// FakeViewerProvider returns fixed per-video counts or errors.
type FakeViewerProvider struct {
	mu     sync.Mutex
	counts map[string]float64
	errs   map[string]error
}

func NewFakeViewerProvider() *FakeViewerProvider {
	return &FakeViewerProvider{counts: make(map[string]float64), errs: make(map[string]error)}
}

func (p *FakeViewerProvider) Set(videoID string, count float64) {
	p.mu.Lock()
	p.counts[videoID] = count
	delete(p.errs, videoID)
	p.mu.Unlock()
}

func (p *FakeViewerProvider) SetError(videoID string, err error) {
	p.mu.Lock()
	p.errs[videoID] = err
	p.mu.Unlock()
}

func (p *FakeViewerProvider) ViewerCount(_ context.Context, videoID string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errs[videoID]; err != nil {
		return 0, err
	}
	return p.counts[videoID], nil
}
