//go:build !whisper

package stt

import "errors"

// NewWhisper needs the whisper.cpp static library; build with -tags whisper.
func NewWhisper(modelPath, language string) (Provider, error) {
	return nil, errors.New("whisper: binary built without the whisper tag")
}
