package disc_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"tracklift/internal/disc"
	"tracklift/internal/faults"
)

func testOptions() disc.ReaderOptions {
	return disc.ReaderOptions{
		Verify:           true,
		Retries:          4,
		Backoff:          time.Millisecond,
		MaxBackoff:       4 * time.Millisecond,
		ReadTimeout:      time.Second,
		SectorsPerBlock:  10,
		FatalLeadSectors: 20,
	}
}

type readResult struct {
	blocks []disc.Block
	errs   []error
}

func collect(t *testing.T, r *disc.Reader, track disc.Track, rng disc.SectorRange) readResult {
	t.Helper()
	var res readResult
	for block, err := range r.Blocks(context.Background(), track, rng) {
		res.blocks = append(res.blocks, block)
		res.errs = append(res.errs, err)
	}
	return res
}

func TestBlocksCoversTrackInOrder(t *testing.T) {
	drive := disc.NewSimDrive(95)
	reader := disc.NewReader(drive, testOptions(), nil)
	track := disc.Track{Number: 1, StartSector: 0, EndSector: 95}

	res := collect(t, reader, track, disc.SectorRange{})
	if len(res.blocks) != 10 {
		t.Fatalf("expected 10 blocks, got %d", len(res.blocks))
	}
	var total int
	for i, block := range res.blocks {
		if res.errs[i] != nil {
			t.Fatalf("block %d: unexpected error %v", i, res.errs[i])
		}
		if block.Seq != i {
			t.Fatalf("block %d has seq %d", i, block.Seq)
		}
		if block.SampleRate != disc.SampleRate || block.Channels != disc.Channels {
			t.Fatalf("unexpected format %d/%d", block.SampleRate, block.Channels)
		}
		want := make([]byte, disc.SectorSize)
		disc.FillSector(want, block.FirstSector)
		if !bytes.Equal(block.PCM[:disc.SectorSize], want) {
			t.Fatalf("block %d content mismatch", i)
		}
		total += block.Sectors
	}
	if total != 95 || res.blocks[9].Sectors != 5 {
		t.Fatalf("unexpected sector coverage total=%d last=%d", total, res.blocks[9].Sectors)
	}
	if drive.Reads() != 20 {
		t.Fatalf("verify mode should read every range twice, got %d reads", drive.Reads())
	}
}

func TestBlocksIsRestartable(t *testing.T) {
	drive := disc.NewSimDrive(30)
	reader := disc.NewReader(drive, testOptions(), nil)
	track := disc.Track{Number: 1, StartSector: 0, EndSector: 30}
	seq := reader.Blocks(context.Background(), track, disc.SectorRange{})

	var first, second [][]byte
	for block, err := range seq {
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
		first = append(first, block.PCM)
		break
	}
	for block, err := range seq {
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
		second = append(second, block.PCM)
	}
	if len(second) != 3 || !bytes.Equal(first[0], second[0]) {
		t.Fatalf("second pass should restart from the first sector")
	}
}

func TestMiddleFailureWithinBudgetRecovers(t *testing.T) {
	drive := disc.NewSimDrive(60)
	drive.FailSectors(35, 3, 2)
	reader := disc.NewReader(drive, testOptions(), nil)
	track := disc.Track{Number: 1, StartSector: 0, EndSector: 60}

	res := collect(t, reader, track, disc.SectorRange{})
	for i, err := range res.errs {
		if err != nil {
			t.Fatalf("block %d: unexpected error %v", i, err)
		}
	}
	if res.blocks[3].Rereads != 2 {
		t.Fatalf("expected block 3 to need 2 re-reads, got %d", res.blocks[3].Rereads)
	}
	if res.blocks[3].Damaged {
		t.Fatal("recovered block must not be damaged")
	}
}

func TestJitterResolvedByVerification(t *testing.T) {
	drive := disc.NewSimDrive(20)
	drive.JitterSectors(12, 1, 2)
	reader := disc.NewReader(drive, testOptions(), nil)
	track := disc.Track{Number: 1, StartSector: 0, EndSector: 20}

	res := collect(t, reader, track, disc.SectorRange{Start: 10, End: 20})
	if len(res.blocks) != 1 || res.errs[0] != nil {
		t.Fatalf("unexpected result %+v", res.errs)
	}
	want := make([]byte, disc.SectorSize)
	disc.FillSector(want, 12)
	got := res.blocks[0].PCM[2*disc.SectorSize : 3*disc.SectorSize]
	if !bytes.Equal(got, want) {
		t.Fatal("verification accepted a jittered read")
	}
}

func TestMiddleFailureBeyondBudgetYieldsDamagedBlock(t *testing.T) {
	drive := disc.NewSimDrive(60)
	drive.FailSectors(40, 1, 100)
	reader := disc.NewReader(drive, testOptions(), nil)
	track := disc.Track{Number: 1, StartSector: 0, EndSector: 60}

	res := collect(t, reader, track, disc.SectorRange{})
	if len(res.blocks) != 6 {
		t.Fatalf("reading should continue past the damaged range, got %d blocks", len(res.blocks))
	}
	var readErr *disc.ReadError
	if !errors.As(res.errs[4], &readErr) {
		t.Fatalf("expected ReadError for block 4, got %v", res.errs[4])
	}
	if readErr.Fatal || readErr.Attempts != 6 {
		t.Fatalf("unexpected read error %+v", readErr)
	}
	if !errors.Is(res.errs[4], faults.ErrRead) {
		t.Fatal("read error should carry the read marker")
	}
	if !res.blocks[4].Damaged || !bytes.Equal(res.blocks[4].PCM, make([]byte, 10*disc.SectorSize)) {
		t.Fatal("damaged block should be silence")
	}
	if res.errs[5] != nil {
		t.Fatalf("block after damage should be clean: %v", res.errs[5])
	}
}

func TestLeadFailureIsFatal(t *testing.T) {
	tests := []struct {
		name  string
		lead  int
		fail  int64
		track disc.Track
	}{
		{"first block", 0, 2, disc.Track{Number: 1, StartSector: 0, EndSector: 60}},
		{"inside lead window", 20, 15, disc.Track{Number: 1, StartSector: 0, EndSector: 60}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drive := disc.NewSimDrive(60)
			drive.FailSectors(tt.fail, 1, 100)
			opts := testOptions()
			opts.FatalLeadSectors = tt.lead
			reader := disc.NewReader(drive, opts, nil)

			res := collect(t, reader, tt.track, disc.SectorRange{})
			last := res.errs[len(res.errs)-1]
			var readErr *disc.ReadError
			if !errors.As(last, &readErr) || !readErr.Fatal {
				t.Fatalf("expected fatal read error, got %v", last)
			}
			if res.blocks[len(res.blocks)-1].PCM != nil {
				t.Fatal("fatal error must not carry a block")
			}
		})
	}
}

func TestReadTimeoutCountsAsFailedAttempt(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	drive := disc.NewSimDrive(30)
	drive.StallSector(25)
	opts := testOptions()
	opts.ReadTimeout = 5 * time.Millisecond
	opts.Retries = 1
	reader := disc.NewReader(drive, opts, nil)
	track := disc.Track{Number: 1, StartSector: 0, EndSector: 30}

	res := collect(t, reader, track, disc.SectorRange{Start: 20, End: 30})
	if !errors.Is(res.errs[0], faults.ErrTimeout) {
		t.Fatalf("expected timeout cause, got %v", res.errs[0])
	}
	if !res.blocks[0].Damaged {
		t.Fatal("timed out middle range should be damaged, not fatal")
	}
}

func TestCancellationEndsSequence(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	drive := disc.NewSimDrive(200)
	drive.SetDelay(time.Millisecond)
	reader := disc.NewReader(drive, testOptions(), nil)
	track := disc.Track{Number: 1, StartSector: 0, EndSector: 200}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var lastErr error
	count := 0
	for _, err := range reader.Blocks(ctx, track, disc.SectorRange{}) {
		count++
		if count == 2 {
			cancel()
		}
		lastErr = err
	}
	if !errors.Is(lastErr, faults.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v after %d blocks", lastErr, count)
	}
	if count >= 20 {
		t.Fatal("reader kept going after cancellation")
	}
}

func TestRangeOutsideTrackFails(t *testing.T) {
	reader := disc.NewReader(disc.NewSimDrive(30), testOptions(), nil)
	track := disc.Track{Number: 1, StartSector: 0, EndSector: 30}
	res := collect(t, reader, track, disc.SectorRange{Start: 25, End: 40})
	if len(res.errs) != 1 || !errors.Is(res.errs[0], faults.ErrRead) {
		t.Fatalf("expected range error, got %v", res.errs)
	}
}
