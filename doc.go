// # Go Client Package for Real-time Voice Sessions
//
// This repository provides a Go package for holding live, two-way voice conversations with a voice agent backend over a WebSocket. It streams microphone audio as raw PCM frames, plays the agent's synthesized audio back without gaps, and stops that audio the moment the user starts speaking over it. It is designed to be imported into your own Go projects; `examples/cli` shows a complete terminal client.
package voice
