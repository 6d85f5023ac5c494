package stream

import "github.com/pion/sdp/v3"

// PortAllocator hands out local RTP ports for new AudioStreams,
// grounded on arzzra-soft_phone/pkg/media_with_sdp/port_manager.go's
// pair-allocation contract, narrowed to what the factory needs.
type PortAllocator interface {
	AllocatePort() (int, error)
}

// Factory builds a MediaStream from one line of an incoming SDP offer,
// implementing the heuristic of spec.md §4.3 step 3 / §4.4 step 6:
// media_type "audio" -> AudioStream; media_type "message" with a
// file-selector attribute -> file-transfer; "message" otherwise ->
// ChatStream.
type Factory struct {
	Ports PortAllocator
}

// NewFactory builds a Factory allocating audio ports from ports.
func NewFactory(ports PortAllocator) *Factory {
	return &Factory{Ports: ports}
}

// FromOffer inspects remoteSDP.MediaDescriptions[index] and returns the
// appropriate MediaStream, or nil with ok=false if the media type is
// not one this core recognizes (the caller answers it with a zero
// port, per spec.md §4.3 step 4).
func (f *Factory) FromOffer(remoteSDP *sdp.SessionDescription, index int) (MediaStream, bool) {
	md, err := remoteMediaAt(remoteSDP, index)
	if err != nil {
		return nil, false
	}

	switch md.MediaName.Media {
	case "audio":
		port := 0
		if f.Ports != nil {
			if p, err := f.Ports.AllocatePort(); err == nil {
				port = p
			}
		}
		return NewAudioStream(port), true
	case "message":
		return NewChatStream(hasAttribute(md, "file-selector")), true
	default:
		return nil, false
	}
}
