package pipeline

import "sync"

// Transport delivers pipeline output to the connected client. A
// protocol.Session satisfies it directly; the websocket bridge adapts it to
// JSON events. Implementations must tolerate concurrent calls, since the
// listener, responder and player all emit through it.
type Transport interface {
	SendTextChunk(text string) error
	SendTextComplete() error
	SendTranscription(transcript string) error
	SendAudio(sampleRate int, pcm []byte) error
	SendStopPlayback() error
}

// AudioOutput is a local playback device, for running the pipeline against a
// speaker instead of (or alongside) a socket transport.
type AudioOutput interface {
	SendAudio(pcm []byte) error
	ClearBuffer()
}

// transportFacade normalizes access to the current transport. Sessions come
// and go while the pipeline keeps running, so stages go through the facade
// instead of holding a session; an unset transport makes every send a no-op.
type transportFacade struct {
	mu        sync.RWMutex
	transport Transport
}

func (f *transportFacade) Set(transport Transport) {
	f.mu.Lock()
	f.transport = transport
	f.mu.Unlock()
}

func (f *transportFacade) current() Transport {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.transport
}

func (f *transportFacade) SendTextChunk(text string) error {
	if t := f.current(); t != nil {
		return t.SendTextChunk(text)
	}
	return nil
}

func (f *transportFacade) SendTextComplete() error {
	if t := f.current(); t != nil {
		return t.SendTextComplete()
	}
	return nil
}

func (f *transportFacade) SendTranscription(transcript string) error {
	if t := f.current(); t != nil {
		return t.SendTranscription(transcript)
	}
	return nil
}

func (f *transportFacade) SendAudio(sampleRate int, pcm []byte) error {
	if t := f.current(); t != nil {
		return t.SendAudio(sampleRate, pcm)
	}
	return nil
}

func (f *transportFacade) SendStopPlayback() error {
	if t := f.current(); t != nil {
		return t.SendStopPlayback()
	}
	return nil
}
