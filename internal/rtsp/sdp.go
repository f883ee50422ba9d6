package rtsp

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/bluenviron/gortsplib/v4/pkg/sdp"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	bmff "github.com/nota-av/fmp4stream"
	"github.com/nota-av/fmp4stream/internal/sampletable"
)

const (
	payloadTypeVideo = 96
	payloadTypeAudio = 97
)

// BuildSDP renders the session description for a DESCRIBE response,
// per spec.md §4.6's literal session-level lines plus one media section per
// track. It builds the document with
// github.com/bluenviron/gortsplib/v4/pkg/sdp's SessionDescription rather
// than formatting text by hand, matching the DOMAIN STACK's SDP library
// binding.
func BuildSDP(r *sampletable.Reader, clientIP string) ([]byte, error) {
	desc := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      0,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: clientIP,
		},
		SessionName: "No Title",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
	}

	for _, trackID := range r.TrackOrder() {
		t := r.Tracks[trackID]
		md, err := mediaDescriptionFor(t, trackID)
		if err != nil {
			return nil, err
		}
		if md != nil {
			desc.MediaDescriptions = append(desc.MediaDescriptions, md)
		}
	}

	return desc.Marshal(), nil
}

func mediaDescriptionFor(t *sampletable.Track, trackID uint32) (*sdp.MediaDescription, error) {
	switch {
	case t.Handler == sampletable.HandlerVideo && t.Entry.Visual != nil:
		return videoMediaDescription(t.Entry.Visual, trackID)
	case t.Handler == sampletable.HandlerAudio && t.Entry.Audio != nil:
		return audioMediaDescription(t.Entry.Audio, trackID)
	default:
		return nil, nil
	}
}

func videoMediaDescription(v *bmff.VisualSampleEntry, trackID uint32) (*sdp.MediaDescription, error) {
	var rtpmap, fmtp string
	switch {
	case v.AvcC != nil:
		rtpmap = fmt.Sprintf("%d H264/90000", payloadTypeVideo)
		fmtp = fmt.Sprintf("%d packetization-mode=1;sprop-parameter-sets=%s;profile-level-id=%s",
			payloadTypeVideo, v.AvcC.SpropParameterSets(), v.AvcC.ProfileLevelID())
	case v.HvcC != nil:
		vps, sps, pps := v.HvcC.SpropSets()
		rtpmap = fmt.Sprintf("%d H265/90000", payloadTypeVideo)
		fmtp = fmt.Sprintf("%d sprop-vps=%s;sprop-sps=%s;sprop-pps=%s", payloadTypeVideo, vps, sps, pps)
	default:
		return nil, nil
	}
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "video",
			Port:    sdp.RangedPort{Value: 0},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(payloadTypeVideo)},
		},
		Attributes: []sdp.Attribute{
			{Key: "rtpmap", Value: rtpmap},
			{Key: "fmtp", Value: fmtp},
			{Key: "control", Value: strconv.FormatUint(uint64(trackID), 10)},
		},
	}, nil
}

func audioMediaDescription(a *bmff.AudioSampleEntry, trackID uint32) (*sdp.MediaDescription, error) {
	if a.Esds == nil {
		return nil, nil
	}
	sampleRate := int(a.SampleRate >> 16)
	channels := int(a.ChannelCount)
	var c mpeg4audio.Config
	if err := c.Unmarshal(a.Esds.DecoderSpecific); err == nil {
		sampleRate = c.SampleRate
		channels = c.ChannelCount
	}

	rtpmap := fmt.Sprintf("%d MPEG4-GENERIC/%d/%d", payloadTypeAudio, sampleRate, channels)
	fmtp := fmt.Sprintf("%d profile-level-id=1;mode=AAC-hbr;sizelength=13;indexlength=3;indexdeltalength=3;config=%s",
		payloadTypeAudio, hex.EncodeToString(a.Esds.DecoderSpecific))

	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: 0},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(payloadTypeAudio)},
		},
		Attributes: []sdp.Attribute{
			{Key: "rtpmap", Value: rtpmap},
			{Key: "fmtp", Value: fmtp},
			{Key: "control", Value: strconv.FormatUint(uint64(trackID), 10)},
		},
	}, nil
}
