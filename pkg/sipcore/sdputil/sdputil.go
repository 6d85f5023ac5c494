// Package sdputil composes and compares SDP session descriptions for
// the Session core, centralizing the media-line indexing invariant
// spec.md §3/§8 requires (every stream's index equals its position in
// the active local SDP's media list).
//
// Grounded on arzzra-soft_phone/pkg/media_sdp/sdpmedia.go's offer/
// answer split and arzzra-soft_phone/pkg/media_with_sdp/sdp_builder.go.
package sdputil

import (
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
)

// LocalMediaSource is the subset of stream.MediaStream sdputil needs:
// anything that can render its own media line.
type LocalMediaSource interface {
	GetLocalMedia(forOffer bool) (*sdp.MediaDescription, error)
}

// BuildOffer composes a session-level SDP offer from streams in order,
// media line i coming from streams[i] (spec.md §4.2 steps 2-4); it
// does not set the streams' indexes, which the caller assigns.
// If any media line carries a server-reflexive ("S" type) candidate
// attribute, the session connection address is set to the first such
// address (spec.md §4.2 step 4).
func BuildOffer(localAddress string, streams []LocalMediaSource) (*sdp.SessionDescription, error) {
	desc := newSessionDescription(localAddress)
	reflexive := ""

	for _, s := range streams {
		md, err := s.GetLocalMedia(true)
		if err != nil {
			return nil, fmt.Errorf("sdputil: build offer: %w", err)
		}
		if reflexive == "" {
			if addr, ok := serverReflexiveAddress(md); ok {
				reflexive = addr
			}
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, md)
	}

	if reflexive != "" {
		desc.ConnectionInformation = &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: reflexive},
		}
	}
	return desc, nil
}

// BuildAnswer composes an answer over the full width of offer's media
// lines (spec.md §4.3's "accept mirrors ... over the remote offer's
// media line count"): accepted[i] renders its own media via
// GetLocalMedia(false); every other index gets a zero-port copy of the
// offer's media line of the matching type (spec.md §4.3 "accept").
func BuildAnswer(localAddress string, offer *sdp.SessionDescription, accepted map[int]LocalMediaSource) (*sdp.SessionDescription, error) {
	desc := newSessionDescription(localAddress)

	for i, offeredMD := range offer.MediaDescriptions {
		if s, ok := accepted[i]; ok {
			md, err := s.GetLocalMedia(false)
			if err != nil {
				return nil, fmt.Errorf("sdputil: build answer: %w", err)
			}
			desc.MediaDescriptions = append(desc.MediaDescriptions, md)
			continue
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, zeroPortCopy(offeredMD))
	}
	return desc, nil
}

// RefreshActive rebuilds the active local SDP, refreshing every
// existing stream's media line via GetLocalMedia(false) and zeroing
// the port for any index in removedIndexes (spec.md §4.4 step 7,
// §4.5 hold/unhold).
func RefreshActive(localAddress string, active *sdp.SessionDescription, streamsByIndex map[int]LocalMediaSource, removedIndexes map[int]bool) (*sdp.SessionDescription, error) {
	desc := newSessionDescription(localAddress)
	desc.Origin.SessionID = active.Origin.SessionID
	desc.Origin.SessionVersion = active.Origin.SessionVersion + 1

	for i := range active.MediaDescriptions {
		if removedIndexes[i] {
			desc.MediaDescriptions = append(desc.MediaDescriptions, zeroPortCopy(active.MediaDescriptions[i]))
			continue
		}
		s, ok := streamsByIndex[i]
		if !ok {
			desc.MediaDescriptions = append(desc.MediaDescriptions, zeroPortCopy(active.MediaDescriptions[i]))
			continue
		}
		md, err := s.GetLocalMedia(false)
		if err != nil {
			return nil, fmt.Errorf("sdputil: refresh active: %w", err)
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, md)
	}
	return desc, nil
}

// AppendMedia appends one media line at index len(active.MediaDescriptions)
// (spec.md §4.5 add_stream).
func AppendMedia(active *sdp.SessionDescription, s LocalMediaSource) (*sdp.SessionDescription, error) {
	md, err := s.GetLocalMedia(true)
	if err != nil {
		return nil, fmt.Errorf("sdputil: append media: %w", err)
	}
	out := *active
	out.Origin.SessionVersion++
	out.MediaDescriptions = append(append([]*sdp.MediaDescription{}, active.MediaDescriptions...), md)
	return &out, nil
}

// AddedRemovedIndexes compares the active and proposed remote SDPs per
// spec.md §4.4 step 4: added indexes are present in proposed but
// absent/retyped from active; removed indexes dropped to port 0 or
// disappeared.
func AddedRemovedIndexes(active, proposed *sdp.SessionDescription) (added, removed []int) {
	for i, pmd := range proposed.MediaDescriptions {
		if i >= len(active.MediaDescriptions) {
			added = append(added, i)
			continue
		}
		amd := active.MediaDescriptions[i]
		if amd.MediaName.Media != pmd.MediaName.Media {
			added = append(added, i)
		}
	}
	for i, amd := range active.MediaDescriptions {
		if i >= len(proposed.MediaDescriptions) {
			removed = append(removed, i)
			continue
		}
		pmd := proposed.MediaDescriptions[i]
		if amd.MediaName.Media == pmd.MediaName.Media && pmd.MediaName.Port.Value == 0 && amd.MediaName.Port.Value != 0 {
			removed = append(removed, i)
		}
	}
	return added, removed
}

// OriginMatches checks the o= line invariant of spec.md §4.4 step 3.
func OriginMatches(active, proposed *sdp.SessionDescription) bool {
	return active.Origin.Username == proposed.Origin.Username &&
		active.Origin.NetworkType == proposed.Origin.NetworkType &&
		active.Origin.AddressType == proposed.Origin.AddressType &&
		active.Origin.UnicastAddress == proposed.Origin.UnicastAddress
}

// RemoteHeldIndexes returns the set of media indexes whose direction
// indicates the remote side holds that stream (sendonly/inactive),
// used by the hold-state comparison of spec.md §4.6.
func RemoteHeldIndexes(remote *sdp.SessionDescription) map[int]bool {
	held := make(map[int]bool)
	for i, md := range remote.MediaDescriptions {
		for _, attr := range md.Attributes {
			if attr.Key == "sendonly" || attr.Key == "inactive" {
				held[i] = true
			}
		}
	}
	return held
}

func newSessionDescription(localAddress string) *sdp.SessionDescription {
	now := uint64(time.Now().Unix())
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localAddress,
		},
		SessionName: "-",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localAddress},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
	}
}

func zeroPortCopy(md *sdp.MediaDescription) *sdp.MediaDescription {
	out := *md
	out.MediaName.Port = sdp.RangedPort{Value: 0}
	out.Attributes = nil
	return &out
}

func serverReflexiveAddress(md *sdp.MediaDescription) (string, bool) {
	for _, attr := range md.Attributes {
		if attr.Key != "candidate" {
			continue
		}
		// ICE candidate attribute format: "<foundation> <component> <proto> <prio> <addr> <port> typ <type> ..."
		var foundation, proto, addr, typ string
		var component, prio, port int
		if _, err := fmt.Sscanf(attr.Value, "%s %d %s %d %s %d typ %s", &foundation, &component, &proto, &prio, &addr, &port, &typ); err == nil {
			if typ == "srflx" {
				return addr, true
			}
		}
	}
	return "", false
}
