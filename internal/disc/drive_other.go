//go:build !linux

package disc

import (
	"context"
	"errors"
)

var errUnsupported = errors.New("optical drive access requires linux")

// LinuxDrive is unavailable on this platform.
type LinuxDrive struct{}

// OpenDrive always fails on non-Linux platforms.
func OpenDrive(string) (*LinuxDrive, error) { return nil, errUnsupported }

func (*LinuxDrive) ReadTOC(context.Context) (TOC, error) { return TOC{}, errUnsupported }

func (*LinuxDrive) ReadSectors(context.Context, int64, int, []byte) error { return errUnsupported }

func (*LinuxDrive) Eject() error { return errUnsupported }

func (*LinuxDrive) Close() error { return nil }

// CheckDriveStatus always fails on non-Linux platforms.
func CheckDriveStatus(string) (DriveStatus, error) { return DriveStatusNoInfo, errUnsupported }
