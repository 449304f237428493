package voice

import (
	"errors"

	"github.com/bt-bridge/voice-session/shared"
	"go.uber.org/zap"
)

// handleEvent applies one inbound event. It runs on the transport's read
// goroutine and never blocks on I/O.
func (s *Session) handleEvent(t *Transport, event *ServerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport.Load() != t {
		return
	}
	if s.settings.ShowDebugLogs && event.Type != ServerEventTypeAudio {
		s.debugLocked("ws_message_in", map[string]any{"type": string(event.Type), "data": event.Param.Json()})
	}

	switch p := event.Param.(type) {
	case *ServerEventParamReady:
		s.onReadyLocked(t, p)
	case *ServerEventParamTranscript:
		s.onTranscriptLocked(p)
	case *ServerEventParamAudio:
		s.onAudioLocked(p)
	case *ServerEventParamVAD:
		s.onVADLocked(p)
	case *ServerEventParamMetrics:
		s.onMetricsLocked(p)
	case *ServerEventParamError:
		s.logger.Warn("server error", zap.String("error", p.Error))
		s.setErrorLocked(p.Error)
	default:
		err := &shared.ProtocolError{Type: string(event.Type), Err: shared.ErrUnknownEventType}
		s.logger.Warn("ignoring event", zap.Error(err))
	}
}

func (s *Session) onReadyLocked(t *Transport, p *ServerEventParamReady) {
	s.sessionID = p.SessionId
	s.logger.Info("session ready",
		zap.String("sessionId", p.SessionId),
		zap.String("provider", p.Provider),
		zap.String("sttLanguage", p.SttLanguage))
	if !s.recording.Load() {
		s.setStateLocked(SessionStateReady)
	}
	s.setStatusLocked(StatusReady)
	s.sendConfigLocked(t)
}

func (s *Session) onTranscriptLocked(p *ServerEventParamTranscript) {
	if !p.IsFinal {
		return
	}
	s.captions.Start(p.Transcript)
	if !p.SpeechActive {
		s.userSpeaking = false
	}
}

func (s *Session) onAudioLocked(p *ServerEventParamAudio) {
	id := p.RequestId
	if s.userSpeaking {
		s.logger.Trace("dropping audio while user speaks", zap.Int64("requestId", int64(id)))
		return
	}
	if id != 0 {
		if _, dropped := s.droppedRequestIDs[id]; dropped {
			s.logger.Trace("dropping audio for dropped request", zap.Int64("requestId", int64(id)))
			return
		}
		if s.activeRequestID == 0 {
			s.activeRequestID = id
		} else if id != s.activeRequestID {
			s.logger.Trace("dropping stale audio",
				zap.Int64("requestId", int64(id)),
				zap.Int64("activeRequestId", int64(s.activeRequestID)))
			return
		}
	}
	if _, err := s.playback.EnqueuePayload(p.Audio); err != nil {
		var derr *shared.DecodeError
		if errors.As(err, &derr) {
			s.logger.Warn("dropping undecodable audio chunk", zap.Int64("requestId", int64(id)), zap.Error(err))
			return
		}
		s.logger.Error("enqueueing audio chunk", err)
	}
}

func (s *Session) onVADLocked(p *ServerEventParamVAD) {
	switch p.VADSignal {
	case VADSignalStartSpeech:
		s.userSpeaking = true
		if id := s.activeRequestID; id != 0 {
			s.droppedRequestIDs[id] = struct{}{}
			s.activeRequestID = 0
			s.track(ActionBargeIn, map[string]any{"requestId": int64(id), "source": "vad"})
			s.logger.Debug("barge-in", zap.Int64("requestId", int64(id)))
		}
		s.playback.Flush()
		s.captions.Reset()
	case VADSignalEndSpeech:
		s.userSpeaking = false
	}
}

func (s *Session) onMetricsLocked(p *ServerEventParamMetrics) {
	id := p.RequestId
	switch p.Type {
	case MetricsTypeProviderDispatch:
		if id == 0 {
			return
		}
		s.activeRequestID = id
		delete(s.droppedRequestIDs, id)
	case MetricsTypeProviderDiscarded, MetricsTypeBargeIn, MetricsTypeProviderAborted:
		if id != 0 {
			s.droppedRequestIDs[id] = struct{}{}
			if s.activeRequestID == id {
				s.activeRequestID = 0
			}
		}
		if p.Type == MetricsTypeBargeIn {
			s.track(ActionBargeIn, map[string]any{"requestId": int64(id), "source": "server"})
		}
		s.playback.Flush()
	case MetricsTypeProviderResult:
		if id != 0 {
			s.activeRequestID = id
		}
		if s.activeRequestID != 0 {
			delete(s.droppedRequestIDs, s.activeRequestID)
		}
		s.captions.HideAfter(captionHideDelay)
	default:
		s.logger.Debug("metrics", zap.String("type", string(p.Type)), zap.Int64("requestId", int64(id)), zap.String("reason", p.Reason))
	}
}
