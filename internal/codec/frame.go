package codec

import (
	"encoding/base64"
	"fmt"
)

// TelephonyFrameToSpeechFrame turns a base64 mu-law 8 kHz payload into a
// 16 kHz PCM16 frame ready for the speech engine.
func TelephonyFrameToSpeechFrame(payload string) ([]byte, error) {
	ulaw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode telephony payload: %w", err)
	}
	return Upsample8kTo16k(DecodeMuLaw(ulaw))
}

// SpeechFrameToTelephonyFrame turns a 16 kHz PCM16 frame into the base64
// mu-law 8 kHz payload the telephony leg expects.
func SpeechFrameToTelephonyFrame(pcm []byte) (string, error) {
	narrow, err := Downsample16kTo8k(pcm)
	if err != nil {
		return "", err
	}
	ulaw, err := EncodeMuLaw(narrow)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ulaw), nil
}
