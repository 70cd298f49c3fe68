// Package ublkhost is the facade over the ublk control plane and queue
// runners (ctrl, ioqueue, uring, uapi): CreateAndServe/StopAndDelete
// stand up and tear down a real /dev/ublkb* node backed by a
// backend.Backend, grounded on the teacher's root-package backend.go
// CreateAndServe/StopAndDelete pair.
package ublkhost

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dattobd/cowsnap/internal/backend"
	"github.com/dattobd/cowsnap/internal/logging"
	"github.com/dattobd/cowsnap/internal/ublkhost/constants"
	"github.com/dattobd/cowsnap/internal/ublkhost/ctrl"
	ioqueue "github.com/dattobd/cowsnap/internal/ublkhost/ioqueue"
)

// Device is a running ublk-hosted block device: the kernel-assigned ID,
// its node paths, and the queue runners serving it.
type Device struct {
	ID       uint32
	Path     string
	CharPath string
	Backend  backend.Backend

	ctx     context.Context
	cancel  context.CancelFunc
	runners []*ioqueue.Runner
}

// CreateAndServe adds a ublk device for params.Backend, starts its queue
// runners, and waits for the block device node to appear before
// returning — the same ADD_DEV -> runner Start -> START_DEV -> poll
// sequence the teacher's CreateAndServe follows, with the final poll
// expressed as a bounded exponential backoff (sethvargo/go-retry) instead
// of a hand-rolled sleep loop.
func CreateAndServe(ctx context.Context, params ctrl.DeviceParams, logger *logging.Logger) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = logging.Default()
	}

	c, err := ctrl.NewController()
	if err != nil {
		return nil, fmt.Errorf("ublkhost: create controller: %w", err)
	}
	defer c.Close()

	devID, err := c.AddDevice(&params)
	if err != nil {
		return nil, fmt.Errorf("ublkhost: add device: %w", err)
	}
	if err := c.SetParams(devID, &params); err != nil {
		c.DeleteDevice(devID)
		return nil, fmt.Errorf("ublkhost: set params: %w", err)
	}

	numQueues := params.NumQueues
	if numQueues <= 0 {
		numQueues = 1
	}

	d := &Device{
		ID:       devID,
		Path:     fmt.Sprintf("/dev/ublkb%d", devID),
		CharPath: fmt.Sprintf("/dev/ublkc%d", devID),
		Backend:  params.Backend,
	}
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.runners = make([]*ioqueue.Runner, numQueues)
	for i := 0; i < numQueues; i++ {
		r, err := ioqueue.NewRunner(d.ctx, ioqueue.Config{
			DevID:     devID,
			QueueID:   uint16(i),
			Depth:     params.QueueDepth,
			BlockSize: params.LogicalBlockSize,
			Backend:   params.Backend,
			Logger:    logger,
		})
		if err != nil {
			closeRunners(d.runners[:i])
			c.DeleteDevice(devID)
			return nil, fmt.Errorf("ublkhost: queue runner %d: %w", i, err)
		}
		d.runners[i] = r
	}
	for i, r := range d.runners {
		if err := r.Start(); err != nil {
			closeRunners(d.runners)
			c.DeleteDevice(devID)
			return nil, fmt.Errorf("ublkhost: start queue runner %d: %w", i, err)
		}
	}

	time.Sleep(constants.QueueInitDelay)

	if err := c.StartDevice(devID); err != nil {
		closeRunners(d.runners)
		c.DeleteDevice(devID)
		return nil, fmt.Errorf("ublkhost: start_dev: %w", err)
	}

	if err := waitBlockDeviceLive(d.ctx, d.Path); err != nil {
		closeRunners(d.runners)
		c.StopDevice(devID)
		c.DeleteDevice(devID)
		return nil, err
	}

	logger.Info("ublk device live", "block_device", d.Path, "char_device", d.CharPath, "queues", numQueues)
	return d, nil
}

// waitBlockDeviceLive polls for the block device node with a capped
// exponential backoff, replacing the fixed-sleep poll loop the teacher's
// waitLive used.
func waitBlockDeviceLive(ctx context.Context, path string) error {
	time.Sleep(constants.DeviceStartupDelay)

	b, err := retry.NewExponential(constants.DevicePollingInterval)
	if err != nil {
		return fmt.Errorf("ublkhost: backoff: %w", err)
	}
	b = retry.WithMaxRetries(50, b)
	b = retry.WithCappedDuration(constants.DeviceStartupDelay, b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		if pathExists(path) {
			return nil
		}
		return retry.RetryableError(fmt.Errorf("ublkhost: %s not yet visible", path))
	})
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func closeRunners(runners []*ioqueue.Runner) {
	for _, r := range runners {
		if r != nil {
			r.Close()
		}
	}
}

// StopAndDelete cancels the device's queue runners and removes it from
// the kernel via STOP_DEV/DEL_DEV.
func StopAndDelete(ctx context.Context, d *Device) error {
	if d == nil {
		return fmt.Errorf("ublkhost: nil device")
	}
	if d.cancel != nil {
		d.cancel()
	}
	time.Sleep(10 * time.Millisecond)
	closeRunners(d.runners)
	d.runners = nil

	c, err := ctrl.NewController()
	if err != nil {
		return fmt.Errorf("ublkhost: create controller for cleanup: %w", err)
	}
	defer c.Close()

	if err := c.StopDevice(d.ID); err != nil {
		return fmt.Errorf("ublkhost: stop_dev: %w", err)
	}
	if err := c.DeleteDevice(d.ID); err != nil {
		return fmt.Errorf("ublkhost: del_dev: %w", err)
	}
	return nil
}
