package client

import "github.com/averin-dv/watchparty/model"

// Player is the narrow control surface every concrete player back-end
// (embedded, direct-stream, swarm-backed) implements. The engine
// depends only on this interface, never on probing a back-end for
// capabilities.
type Player interface {
	Load(src model.MediaSource)
	Seek(seconds float64)
	Play()
	Pause()
	CurrentPosition() float64
}

// IntentSink carries outbound intents toward the server.
type IntentSink interface {
	SendPlay(currentTime float64)
	SendPause(currentTime float64)
	SendSeek(currentTime float64)
}
