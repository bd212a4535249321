package go_dzdecrypt

import "strings"

// TrackId is the textual identifier of an encrypted item. It is opaque to the
// key derivation, any value (including the empty string) is acceptable.
type TrackId string

// IsUserUploaded reports whether the id refers to a user uploaded track,
// those have negative numeric ids.
func (id TrackId) IsUserUploaded() bool {
	return strings.HasPrefix(string(id), "-")
}

func (id TrackId) String() string {
	return string(id)
}
