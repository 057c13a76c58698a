package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tsawler/accent-net/engine"
)

// Batch is one assembled batch of samples ready for the model.
type Batch struct {
	Inputs  *engine.Tensor // (B, sample shape...)
	Labels  []int          // integer label per row
	BatchID uint64         // sequence number within the loader
}

// Size returns the number of rows in the batch.
func (b *Batch) Size() int { return len(b.Labels) }

// DataSource represents a source of training data
type DataSource interface {
	// NextIndices reserves the sample indices of the next batch. It is only
	// called from the producer goroutine.
	NextIndices(batchSize int) ([]int, error)

	// Sample copies sample index into dst and returns its label. It must be
	// safe for concurrent use.
	Sample(index int, dst []float64) (int, error)

	// SampleShape returns the shape of a single sample.
	SampleShape() []int
}

// AsyncDataLoader prepares batches on a background goroutine. The hand-off
// channel is unbuffered, so exactly one batch is prepared ahead of the
// consumer.
type AsyncDataLoader struct {
	dataSource DataSource
	batchSize  int
	workers    int // goroutines assembling samples of a batch

	batchChannel chan *Batch
	errorChannel chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	batchCounter atomic.Uint64
	isRunning    bool
	mutex        sync.RWMutex // guards isRunning, ctx and cancel
}

// AsyncDataLoaderConfig holds configuration for the data loader
type AsyncDataLoaderConfig struct {
	BatchSize int // Size of each batch
	Workers   int // Sample assembly workers (default: 1)
}

// NewAsyncDataLoader creates a new asynchronous data loader
func NewAsyncDataLoader(dataSource DataSource, config AsyncDataLoaderConfig) (*AsyncDataLoader, error) {
	if dataSource == nil {
		return nil, fmt.Errorf("data source cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}

	return &AsyncDataLoader{
		dataSource:   dataSource,
		batchSize:    config.BatchSize,
		workers:      config.Workers,
		batchChannel: make(chan *Batch),
		errorChannel: make(chan error, 1),
	}, nil
}

// Start launches the producer goroutine. It stops when ctx is cancelled,
// Stop is called, or the source fails.
func (adl *AsyncDataLoader) Start(ctx context.Context) error {
	adl.mutex.Lock()
	defer adl.mutex.Unlock()

	if adl.isRunning {
		return fmt.Errorf("data loader is already running")
	}
	adl.ctx, adl.cancel = context.WithCancel(ctx)
	adl.wg.Add(1)
	go adl.produce()
	adl.isRunning = true
	return nil
}

// Stop cancels the producer and waits for it to exit. The batch being
// prepared, if any, is dropped. The lock is released before waiting so the
// producer can finish its current batch.
func (adl *AsyncDataLoader) Stop() error {
	adl.mutex.Lock()
	if !adl.isRunning {
		adl.mutex.Unlock()
		return nil
	}
	adl.isRunning = false
	adl.cancel()
	adl.mutex.Unlock()

	adl.wg.Wait()
	return nil
}

// Next blocks until the next batch is ready, the producer fails, or ctx is
// done.
func (adl *AsyncDataLoader) Next(ctx context.Context) (*Batch, error) {
	adl.mutex.RLock()
	running := adl.isRunning
	loaderCtx := adl.ctx
	adl.mutex.RUnlock()
	if !running {
		return nil, fmt.Errorf("data loader is not running")
	}
	if loaderCtx.Err() != nil {
		return nil, fmt.Errorf("data loader has been stopped")
	}

	select {
	case batch := <-adl.batchChannel:
		return batch, nil
	case err := <-adl.errorChannel:
		// keep the error visible to later calls
		adl.errorChannel <- err
		return nil, fmt.Errorf("data loader error: %w", err)
	case <-loaderCtx.Done():
		return nil, fmt.Errorf("data loader has been stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (adl *AsyncDataLoader) produce() {
	defer adl.wg.Done()

	for {
		batch, err := adl.prepareBatch()
		if err != nil {
			adl.errorChannel <- err
			return
		}
		select {
		case adl.batchChannel <- batch:
		case <-adl.ctx.Done():
			return
		}
	}
}

// prepareBatch draws the next indices and copies the samples into a single
// tensor, fanning the copies out over the worker pool.
func (adl *AsyncDataLoader) prepareBatch() (*Batch, error) {
	indices, err := adl.dataSource.NextIndices(adl.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch from data source: %w", err)
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("data source returned an empty batch")
	}

	sampleShape := adl.dataSource.SampleShape()
	inputs := engine.NewTensor(append([]int{len(indices)}, sampleShape...)...)
	stride := inputs.Size() / len(indices)
	labels := make([]int, len(indices))
	errs := make([]error, len(indices))

	ForEach(len(indices), adl.workers, func(i int) {
		labels[i], errs[i] = adl.dataSource.Sample(indices[i], inputs.Data[i*stride:(i+1)*stride])
	})
	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", indices[i], err)
		}
	}

	batchID := adl.batchCounter.Add(1) - 1
	return &Batch{Inputs: inputs, Labels: labels, BatchID: batchID}, nil
}

// Stats returns statistics about the data loader
func (adl *AsyncDataLoader) Stats() AsyncDataLoaderStats {
	adl.mutex.RLock()
	defer adl.mutex.RUnlock()

	return AsyncDataLoaderStats{
		IsRunning:       adl.isRunning,
		BatchesProduced: adl.batchCounter.Load(),
		Workers:         adl.workers,
	}
}

// AsyncDataLoaderStats provides statistics about the data loader
type AsyncDataLoaderStats struct {
	IsRunning       bool
	BatchesProduced uint64
	Workers         int
}
