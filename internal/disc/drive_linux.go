//go:build linux

package disc

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux CD-ROM ioctl requests (linux/cdrom.h).
const (
	ioctlReadTOCHeader = 0x5305
	ioctlReadTOCEntry  = 0x5306
	ioctlEject         = 0x5309
	ioctlReadAudio     = 0x530e
	ioctlDriveStatus   = 0x5326

	cdromLBA     = 0x01
	leadoutTrack = 0xAA
	ctrlDataFlag = 0x04

	// The kernel rejects CDROMREADAUDIO requests above one second of frames.
	maxFramesPerRead = SectorsPerSecond
)

type tocHeader struct {
	First uint8
	Last  uint8
}

type tocEntry struct {
	Track    uint8
	AdrCtrl  uint8
	Format   uint8
	_        uint8
	Addr     int32
	DataMode uint8
	_        [3]uint8
}

type readAudio struct {
	Addr       int32
	AddrFormat uint8
	_          [3]uint8
	NFrames    int32
	Buf        *byte
}

// LinuxDrive reads audio through the Linux CD-ROM driver.
type LinuxDrive struct {
	path string
	mu   sync.Mutex
	fd   int
}

// OpenDrive opens the optical drive at path.
func OpenDrive(path string) (*LinuxDrive, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty device path")
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &LinuxDrive{path: path, fd: fd}, nil
}

func (d *LinuxDrive) ioctl(req uintptr, arg unsafe.Pointer) (uintptr, error) {
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg))
	if errno != 0 {
		return r1, errno
	}
	return r1, nil
}

// ReadTOC reads the table of contents, skipping data tracks.
func (d *LinuxDrive) ReadTOC(ctx context.Context) (TOC, error) {
	if err := ctx.Err(); err != nil {
		return TOC{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var hdr tocHeader
	if _, err := d.ioctl(ioctlReadTOCHeader, unsafe.Pointer(&hdr)); err != nil {
		return TOC{}, fmt.Errorf("ioctl CDROMREADTOCHDR on %s: %w", d.path, err)
	}
	if hdr.Last < hdr.First {
		return TOC{}, fmt.Errorf("drive %s reported empty TOC", d.path)
	}

	entries := make([]tocEntry, 0, int(hdr.Last-hdr.First)+2)
	for n := int(hdr.First); n <= int(hdr.Last); n++ {
		entry, err := d.readEntry(uint8(n))
		if err != nil {
			return TOC{}, err
		}
		entries = append(entries, entry)
	}
	leadout, err := d.readEntry(leadoutTrack)
	if err != nil {
		return TOC{}, err
	}

	toc := TOC{Leadout: int64(leadout.Addr)}
	for i, entry := range entries {
		end := int64(leadout.Addr)
		if i+1 < len(entries) {
			end = int64(entries[i+1].Addr)
		}
		if (entry.AdrCtrl>>4)&ctrlDataFlag != 0 {
			continue
		}
		toc.Tracks = append(toc.Tracks, Track{
			Number:      int(entry.Track),
			StartSector: int64(entry.Addr),
			EndSector:   end,
		})
	}
	return toc, nil
}

func (d *LinuxDrive) readEntry(track uint8) (tocEntry, error) {
	entry := tocEntry{Track: track, Format: cdromLBA}
	if _, err := d.ioctl(ioctlReadTOCEntry, unsafe.Pointer(&entry)); err != nil {
		return tocEntry{}, fmt.Errorf("ioctl CDROMREADTOCENTRY track %d on %s: %w", track, d.path, err)
	}
	return entry, nil
}

// ReadSectors reads raw audio frames. The ioctl itself cannot be interrupted;
// ctx is checked between kernel requests.
func (d *LinuxDrive) ReadSectors(ctx context.Context, lba int64, count int, buf []byte) error {
	if len(buf) < count*SectorSize {
		return fmt.Errorf("buffer holds %d bytes, need %d", len(buf), count*SectorSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for done := 0; done < count; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(count-done, maxFramesPerRead)
		req := readAudio{
			Addr:       int32(lba) + int32(done),
			AddrFormat: cdromLBA,
			NFrames:    int32(n),
			Buf:        &buf[done*SectorSize],
		}
		_, err := d.ioctl(ioctlReadAudio, unsafe.Pointer(&req))
		runtime.KeepAlive(buf)
		if err != nil {
			return fmt.Errorf("ioctl CDROMREADAUDIO lba %d on %s: %w", req.Addr, d.path, err)
		}
		done += n
	}
	return nil
}

// Eject opens the tray.
func (d *LinuxDrive) Eject() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.ioctl(ioctlEject, nil); err != nil {
		return fmt.Errorf("ioctl CDROMEJECT on %s: %w", d.path, err)
	}
	return nil
}

func (d *LinuxDrive) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// CheckDriveStatus queries the drive state using the CDROM_DRIVE_STATUS ioctl.
func CheckDriveStatus(devicePath string) (DriveStatus, error) {
	drive, err := OpenDrive(devicePath)
	if err != nil {
		return DriveStatusNoInfo, err
	}
	defer drive.Close() //nolint:errcheck

	r1, err := drive.ioctl(ioctlDriveStatus, nil)
	if err != nil {
		return DriveStatusNoInfo, fmt.Errorf("ioctl CDROM_DRIVE_STATUS on %s: %w", devicePath, err)
	}
	return DriveStatus(r1), nil
}
