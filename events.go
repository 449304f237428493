package voice

import (
	"errors"
	"fmt"
	"math"

	"github.com/bt-bridge/voice-session/config"
	"github.com/bt-bridge/voice-session/shared"
	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types
const (
	ServerEventTypeReady      ServerEventType = "ready"
	ServerEventTypeTranscript ServerEventType = "transcript"
	ServerEventTypeAudio      ServerEventType = "audio"
	ServerEventTypeVAD        ServerEventType = "vad"
	ServerEventTypeMetrics    ServerEventType = "metrics"
	ServerEventTypeError      ServerEventType = "error"
)

// Client event types
const (
	ClientEventTypeConfig ClientEventType = "config"
)

type VADSignal string

const (
	VADSignalStartSpeech VADSignal = "START_SPEECH"
	VADSignalEndSpeech   VADSignal = "END_SPEECH"
)

type MetricsType string

const (
	MetricsTypeProviderDispatch    MetricsType = "provider_dispatch"
	MetricsTypeProviderDiscarded   MetricsType = "provider_discarded"
	MetricsTypeProviderResult      MetricsType = "provider_result"
	MetricsTypeBargeIn             MetricsType = "barge_in"
	MetricsTypeProviderAborted     MetricsType = "provider_aborted"
	MetricsTypeSkipTTSSegment      MetricsType = "skip_tts_segment"
	MetricsTypeTTSLanguageFallback MetricsType = "tts_language_fallback"
	MetricsTypeLLMConfigUpdated    MetricsType = "llm_config_updated"
)

// RequestID identifies one synthesized turn. Zero means "no request id".
type RequestID int64

// PCMCodec is the only capture codec the backend accepts.
const PCMCodec = "pcm_s16le"

type EventParam interface {
	New(jsonMap map[string]any) error
	Json() map[string]any
}

// ServerEvent is the inbound envelope {type, data}.
type ServerEvent struct {
	Type  ServerEventType
	Param EventParam
}

func (e *ServerEvent) EventType() EventType {
	return EventType(e.Type)
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	env, err := e.envelope()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(env)
}

func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrMalformedMessage, err)
	}
	return e.fromMap(raw)
}

// MarshalYAML renders the event for debug dumps.
func (e *ServerEvent) MarshalYAML() ([]byte, error) {
	env, err := e.envelope()
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(env, yaml.UseJSONMarshaler())
}

func (e *ServerEvent) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.UnmarshalWithOptions(data, &raw, yaml.UseJSONUnmarshaler()); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrMalformedMessage, err)
	}
	return e.fromMap(raw)
}

func (e *ServerEvent) envelope() (map[string]any, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	return map[string]any{
		"type": string(e.Type),
		"data": e.Param.Json(),
	}, nil
}

func (e *ServerEvent) fromMap(raw map[string]any) error {
	if raw == nil {
		return &shared.ProtocolError{Err: errors.New("missing envelope")}
	}
	t, ok := raw["type"].(string)
	if !ok || t == "" {
		return &shared.ProtocolError{Err: errors.New("missing type")}
	}
	e.Type = ServerEventType(t)
	data, _ := raw["data"].(map[string]any)
	switch e.Type {
	case ServerEventTypeReady:
		e.Param = new(ServerEventParamReady)
	case ServerEventTypeTranscript:
		e.Param = new(ServerEventParamTranscript)
	case ServerEventTypeAudio:
		e.Param = new(ServerEventParamAudio)
	case ServerEventTypeVAD:
		e.Param = new(ServerEventParamVAD)
	case ServerEventTypeMetrics:
		e.Param = new(ServerEventParamMetrics)
	case ServerEventTypeError:
		e.Param = new(ServerEventParamError)
	default:
		e.Param = &ServerEventParamUnknown{Raw: data}
		return nil
	}
	if data == nil {
		return &shared.ProtocolError{Type: t, Err: errors.New("missing data")}
	}
	if err := e.Param.New(data); err != nil {
		return &shared.ProtocolError{Type: t, Err: err}
	}
	return nil
}

// ParseServerEvent decodes one text frame. Frames that are not JSON objects
// fail with shared.ErrMalformedMessage; JSON that breaks the event contract
// fails with a *shared.ProtocolError.
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	e := new(ServerEvent)
	if err := e.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return e, nil
}

type ServerEventParamReady struct {
	SessionId   string
	Provider    string
	SttLanguage string
	TtsLanguage string
	StartedAtMs int64
}

func (p *ServerEventParamReady) New(m map[string]any) error {
	if v, ok := m["sessionId"].(string); ok && v != "" {
		p.SessionId = v
	} else {
		return errors.New("missing sessionId")
	}
	p.Provider, _ = m["provider"].(string)
	p.SttLanguage, _ = m["sttLanguage"].(string)
	p.TtsLanguage, _ = m["ttsLanguage"].(string)
	if v, ok := asInt64(m["startedAtMs"]); ok {
		p.StartedAtMs = v
	}
	return nil
}

func (p *ServerEventParamReady) Json() map[string]any {
	m := map[string]any{
		"sessionId":   p.SessionId,
		"provider":    p.Provider,
		"sttLanguage": p.SttLanguage,
		"startedAtMs": p.StartedAtMs,
	}
	if p.TtsLanguage != "" {
		m["ttsLanguage"] = p.TtsLanguage
	}
	return m
}

type ServerEventParamTranscript struct {
	Transcript   string
	IsFinal      bool
	SegmentIndex *int
	SpeechActive bool
}

func (p *ServerEventParamTranscript) New(m map[string]any) error {
	if v, ok := m["transcript"].(string); ok {
		p.Transcript = v
	} else {
		return errors.New("missing transcript")
	}
	p.IsFinal, _ = m["isFinal"].(bool)
	p.SpeechActive, _ = m["speechActive"].(bool)
	if v, ok := asInt64(m["segmentIndex"]); ok {
		i := int(v)
		p.SegmentIndex = &i
	}
	return nil
}

func (p *ServerEventParamTranscript) Json() map[string]any {
	m := map[string]any{
		"transcript":   p.Transcript,
		"isFinal":      p.IsFinal,
		"speechActive": p.SpeechActive,
		"segmentIndex": nil,
	}
	if p.SegmentIndex != nil {
		m["segmentIndex"] = *p.SegmentIndex
	}
	return m
}

type ServerEventParamAudio struct {
	Audio        string
	SegmentIndex int
	RequestId    RequestID
}

func (p *ServerEventParamAudio) New(m map[string]any) error {
	v, ok := m["audio"].(string)
	if !ok {
		return errors.New("missing audio")
	}
	p.Audio = v
	if v, ok := asInt64(m["segmentIndex"]); ok {
		p.SegmentIndex = int(v)
	}
	id, err := parseRequestID(m)
	if err != nil {
		return err
	}
	p.RequestId = id
	return nil
}

func (p *ServerEventParamAudio) Json() map[string]any {
	return map[string]any{
		"audio":        p.Audio,
		"segmentIndex": p.SegmentIndex,
		"requestId":    int64(p.RequestId),
	}
}

type ServerEventParamVAD struct {
	VADSignal    VADSignal
	SegmentIndex int
	DurationMs   *int64
	StartedAtMs  *int64
	EndedAtMs    *int64
}

func (p *ServerEventParamVAD) New(m map[string]any) error {
	v, ok := m["vadSignal"].(string)
	if !ok {
		return errors.New("missing vadSignal")
	}
	switch VADSignal(v) {
	case VADSignalStartSpeech, VADSignalEndSpeech:
		p.VADSignal = VADSignal(v)
	default:
		return fmt.Errorf("unknown vadSignal %q", v)
	}
	if v, ok := asInt64(m["segmentIndex"]); ok {
		p.SegmentIndex = int(v)
	}
	p.DurationMs = optInt64(m["durationMs"])
	p.StartedAtMs = optInt64(m["startedAtMs"])
	p.EndedAtMs = optInt64(m["endedAtMs"])
	return nil
}

func (p *ServerEventParamVAD) Json() map[string]any {
	m := map[string]any{
		"vadSignal":    string(p.VADSignal),
		"segmentIndex": p.SegmentIndex,
	}
	for k, v := range map[string]*int64{
		"durationMs":  p.DurationMs,
		"startedAtMs": p.StartedAtMs,
		"endedAtMs":   p.EndedAtMs,
	} {
		if v != nil {
			m[k] = *v
		}
	}
	return m
}

// ServerEventParamMetrics carries pipeline telemetry. Only a few sub-types
// affect playback; the rest are kept in Extra for debug output.
type ServerEventParamMetrics struct {
	Type      MetricsType
	RequestId RequestID
	Provider  string
	Reason    string
	Extra     map[string]any
}

func (p *ServerEventParamMetrics) New(m map[string]any) error {
	v, ok := m["type"].(string)
	if !ok || v == "" {
		return errors.New("missing type")
	}
	p.Type = MetricsType(v)
	id, err := parseRequestID(m)
	if err != nil {
		return err
	}
	p.RequestId = id
	p.Provider, _ = m["provider"].(string)
	p.Reason, _ = m["reason"].(string)
	p.Extra = make(map[string]any)
	for k, v := range m {
		switch k {
		case "type", "requestId", "provider", "reason":
		default:
			p.Extra[k] = v
		}
	}
	return nil
}

func (p *ServerEventParamMetrics) Json() map[string]any {
	m := make(map[string]any, len(p.Extra)+4)
	for k, v := range p.Extra {
		m[k] = v
	}
	m["type"] = string(p.Type)
	if p.RequestId != 0 {
		m["requestId"] = int64(p.RequestId)
	}
	if p.Provider != "" {
		m["provider"] = p.Provider
	}
	if p.Reason != "" {
		m["reason"] = p.Reason
	}
	return m
}

type ServerEventParamError struct {
	Error string
}

func (p *ServerEventParamError) New(m map[string]any) error {
	v, ok := m["error"].(string)
	if !ok {
		return errors.New("missing error")
	}
	p.Error = v
	return nil
}

func (p *ServerEventParamError) Json() map[string]any {
	return map[string]any{"error": p.Error}
}

// ServerEventParamUnknown keeps the payload of a type this client does not
// understand.
type ServerEventParamUnknown struct {
	Raw map[string]any
}

func (p *ServerEventParamUnknown) New(m map[string]any) error {
	p.Raw = m
	return nil
}

func (p *ServerEventParamUnknown) Json() map[string]any {
	if p.Raw == nil {
		return map[string]any{}
	}
	return p.Raw
}

// ClientEvent is anything the client sends as a JSON text frame.
type ClientEvent interface {
	EventType() EventType
	MarshalJSON() ([]byte, error)
}

// ConfigEvent carries the agent configuration sent after every ready.
type ConfigEvent struct {
	Language           string
	SttSampleRate      int
	SttInputAudioCodec string
	TtsLanguage        string
	Speaker            string
	Provider           config.Provider
	Models             map[config.Provider]config.ModelSettings
	ContextMaxTurns    int
	ContextMaxChars    int
	Greeting           string
}

var _ ClientEvent = (*ConfigEvent)(nil)

func NewConfigEvent(s config.Settings, sampleRate int) *ConfigEvent {
	return &ConfigEvent{
		Language:           s.LanguageCode,
		SttSampleRate:      sampleRate,
		SttInputAudioCodec: PCMCodec,
		TtsLanguage:        config.TTSLanguage(s.LanguageCode),
		Speaker:            s.Speaker,
		Provider:           s.Provider,
		Models: map[config.Provider]config.ModelSettings{
			config.ProviderGroq:     s.Groq,
			config.ProviderCerebras: s.Cerebras,
			config.ProviderSarvam:   s.Sarvam,
			config.ProviderGemini:   s.Gemini,
		},
		ContextMaxTurns: s.ContextMaxTurns,
		ContextMaxChars: s.ContextMaxChars,
		Greeting:        s.Greeting,
	}
}

func (e *ConfigEvent) EventType() EventType {
	return EventType(ClientEventTypeConfig)
}

func (e *ConfigEvent) Json() map[string]any {
	cfg := map[string]any{
		"language":           e.Language,
		"sttSampleRate":      e.SttSampleRate,
		"sttInputAudioCodec": e.SttInputAudioCodec,
		"ttsLanguage":        e.TtsLanguage,
		"speaker":            e.Speaker,
		"provider":           string(e.Provider),
		"contextMaxTurns":    e.ContextMaxTurns,
		"contextMaxChars":    e.ContextMaxChars,
		"greeting":           e.Greeting,
	}
	for provider, m := range e.Models {
		prefix := string(provider)
		cfg[prefix+"Model"] = m.Model
		cfg[prefix+"Temperature"] = m.Temperature
		cfg[prefix+"MaxTokens"] = m.MaxTokens
	}
	return cfg
}

func (e *ConfigEvent) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(map[string]any{
		"type": string(ClientEventTypeConfig),
		"data": map[string]any{"config": e.Json()},
	})
}

// parseRequestID reads an optional requestId. A present value that is not an
// integer is an error; truncating it could match the wrong request.
func parseRequestID(m map[string]any) (RequestID, error) {
	raw, ok := m["requestId"]
	if !ok || raw == nil {
		return 0, nil
	}
	n, ok := asInt64(raw)
	if !ok {
		return 0, fmt.Errorf("invalid requestId %v", raw)
	}
	return RequestID(n), nil
}

// asInt64 accepts integers and integral floats.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return floatInt64(float64(n))
	case float64:
		return floatInt64(n)
	default:
		return 0, false
	}
}

func floatInt64(f float64) (int64, bool) {
	if f != math.Trunc(f) || math.Abs(f) >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func optInt64(v any) *int64 {
	if n, ok := asInt64(v); ok {
		return &n
	}
	return nil
}
