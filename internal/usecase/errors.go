package usecase

import (
	"errors"
	"fmt"
)

var (
	ErrContent     = errors.New("content server error")
	ErrDevice      = errors.New("device error")
	ErrTagNotFound = errors.New("tag not found")
	ErrNoStream    = errors.New("no active stream for reader")
)

func wrapContent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrContent, err)
}

func wrapDevice(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrDevice, err)
}
