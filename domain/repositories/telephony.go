package repositories

// TelephonySocket is the live media connection of the telephony leg
type TelephonySocket interface {
	// SendMedia writes one base64 mu-law 8 kHz payload to the call
	SendMedia(payload string) error
	// IsOpen reports whether the leg can still accept frames
	IsOpen() bool
}
