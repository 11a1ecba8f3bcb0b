// Command ringsim streams synthetic uploads through an UploadRingBuffer on the software device and
// prints the ring's statistics as json.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/docker/go-units"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpustage/driver"
	"github.com/vkngwrapper/gpustage/driver/fake"
	"github.com/vkngwrapper/gpustage/gmem"
	"github.com/vkngwrapper/gpustage/memutils"
	"golang.org/x/exp/slog"
)

type config struct {
	ringSize    int
	maxUpload   int
	submissions int
	uploads     int
	flushEvery  int
	seed        int64
}

type result struct {
	uploads    int
	bytes      int
	exhausted  int
	lastFence  uint64
	finalStats memutils.DetailedStatistics
}

func main() {
	var (
		ringSize    = flag.String("ring-size", "4MiB", "size of the staging buffer")
		maxUpload   = flag.String("max-upload", "256KiB", "largest synthetic upload")
		submissions = flag.Int("submissions", 16, "submission slots in the ring")
		uploads     = flag.Int("uploads", 1000, "number of uploads to stream")
		flushEvery  = flag.Int("flush-every", 8, "let the simulated GPU catch up after this many submissions, 0 to execute immediately")
		seed        = flag.Int64("seed", 1, "random seed for upload sizes")
		verbose     = flag.Bool("verbose", false, "log every operation to stderr")
		detailed    = flag.Bool("detailed", false, "include the allocator's detailed map")
	)
	flag.Parse()

	var handler slog.Handler = slog.NewTextHandler(io.Discard, nil)
	if *verbose {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(handler)

	cfg := config{
		submissions: *submissions,
		uploads:     *uploads,
		flushEvery:  *flushEvery,
		seed:        *seed,
	}
	size, err := units.RAMInBytes(*ringSize)
	if err != nil {
		log.Fatalf("invalid -ring-size: %v", err)
	}
	cfg.ringSize = int(size)
	size, err = units.RAMInBytes(*maxUpload)
	if err != nil {
		log.Fatalf("invalid -max-upload: %v", err)
	}
	cfg.maxUpload = int(size)

	var options []fake.Option
	if cfg.flushEvery > 0 {
		options = append(options, fake.WithManualExecution())
	}
	device := fake.NewDevice(options...)
	allocator := gmem.New(logger, device, gmem.CreateOptions{Name: "ringsim"})

	res, ring, err := run(logger, device, allocator, cfg)
	if err != nil {
		log.Fatalf("%+v", err)
	}

	writer := jwriter.NewWriter()
	obj := writer.Object()
	obj.Name("Uploads").Int(res.uploads)
	obj.Name("Bytes").String(units.BytesSize(float64(res.bytes)))
	obj.Name("Exhausted").Int(res.exhausted)
	obj.Name("LastFenceValue").String(fmt.Sprintf("%#x", res.lastFence))
	totalObj := obj.Name("Final").Object()
	res.finalStats.Statistics.WriteJson(&totalObj)
	totalObj.End()
	obj.Name("Ring")
	ring.PrintDetailedMap(&writer)
	obj.End()
	fmt.Println(string(writer.Bytes()))

	if *detailed {
		fmt.Println(allocator.BuildStatsString(true))
	}

	err = ring.Destroy()
	if err == nil {
		err = allocator.Destroy()
	}
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(logger *slog.Logger, device *fake.Device, allocator *gmem.Allocator, cfg config) (result, *gmem.UploadRingBuffer, error) {
	var res result
	if cfg.maxUpload <= 0 || cfg.maxUpload > cfg.ringSize {
		return res, nil, errors.Newf("max upload %s must be positive and fit in the %s ring", units.BytesSize(float64(cfg.maxUpload)), units.BytesSize(float64(cfg.ringSize)))
	}

	ring, err := gmem.NewUploadRingBuffer(logger, allocator, gmem.UploadRingBufferCreateInfo{
		Size:            cfg.ringSize,
		SubmissionCount: cfg.submissions,
		Name:            "ringsim",
	})
	if err != nil {
		return res, nil, err
	}

	direct, err := gmem.NewCommandQueue(logger, device, driver.CommandListTypeDirect, "ringsim direct")
	if err != nil {
		return res, ring, err
	}
	defer direct.Close()

	target, err := allocator.CreateCommittedResource(driver.HeapTypeDefault, driver.BufferDesc(uint64(cfg.maxUpload)), driver.ResourceStateCopyDest, false)
	if err != nil {
		return res, ring, err
	}
	defer func() {
		_ = target.Destroy()
	}()

	random := rand.New(rand.NewSource(cfg.seed))
	payload := make([]byte, cfg.maxUpload)
	random.Read(payload)

	for i := 0; i < cfg.uploads; i++ {
		size := 1 + random.Intn(cfg.maxUpload)

		upload, err := ring.Allocate(size)
		if errors.Is(err, memutils.ResourceExhaustedError) {
			res.exhausted++
			device.Flush()
			upload, err = ring.Allocate(size)
		}
		if err != nil {
			return res, ring, errors.Wrapf(err, "upload %d of %s", i, units.BytesSize(float64(size)))
		}

		err = upload.SubResource.CopyFrom(payload[:size])
		if err != nil {
			return res, ring, err
		}
		err = upload.SubResource.CopyToResource(upload.CommandList, target)
		if err != nil {
			return res, ring, err
		}

		res.lastFence, err = upload.Submit(direct)
		if err != nil {
			return res, ring, err
		}
		res.uploads++
		res.bytes += size

		if cfg.flushEvery > 0 && res.uploads%cfg.flushEvery == 0 {
			device.Flush()
		}
	}

	device.Flush()
	err = ring.WaitOnPending()
	if err != nil {
		return res, ring, err
	}
	err = device.RemovedReason()
	if err != nil {
		return res, ring, errors.Wrap(err, "the simulated device was removed")
	}

	ring.Statistics(&res.finalStats)
	return res, ring, nil
}
