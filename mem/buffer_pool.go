package mem

import (
	"sync"
)

// BufferPool 是按大小分级的缓冲池
type BufferPool interface {
	// Get 返回长度为 size 的缓冲区
	Get(size int) *[]byte
	// Put 将缓冲区返回到池中
	Put(buffer *[]byte)
}

var defaultPool bufferPool

// 网关帧的缓冲区分级：帧头 28 字节，指令/确认帧体只有几个字节，状态快照在 1KB 以内
var bufferPoolSizes = []int{
	1 << 5,  // 32B - 指令帧、确认帧
	1 << 6,  // 64B - 带较长确认负载的帧
	1 << 8,  // 256B - Hello
	1 << 10, // 1KB - 状态快照
	1 << 16, // 64KB - 最大帧
}

type bufferPool struct {
	pools   []*sync.Pool
	maxSize int
}

func init() {
	defaultPool.maxSize = bufferPoolSizes[len(bufferPoolSizes)-1]
	defaultPool.pools = make([]*sync.Pool, len(bufferPoolSizes))

	for i := range bufferPoolSizes {
		size := bufferPoolSizes[i]
		defaultPool.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, 0, size)
				return &buf
			},
		}
	}
}

// DefaultBufferPool 返回默认内存池
func DefaultBufferPool() BufferPool {
	return &defaultPool
}

func (p *bufferPool) Get(size int) *[]byte {
	if size <= 0 {
		return &[]byte{}
	}

	index := p.findBestFitPool(size)
	if index >= 0 {
		buf := p.pools[index].Get().(*[]byte)
		*buf = (*buf)[:size]
		return buf
	}

	buf := make([]byte, size)
	return &buf
}

func (p *bufferPool) Put(buffer *[]byte) {
	if buffer == nil {
		return
	}

	size := cap(*buffer)
	if size <= 0 || size > p.maxSize {
		return
	}

	*buffer = (*buffer)[:0]

	// 只放回容量不小于该级别的池，保证 Get 时切片不越界
	for i := len(bufferPoolSizes) - 1; i >= 0; i-- {
		if size >= bufferPoolSizes[i] {
			p.pools[i].Put(buffer)
			return
		}
	}
}

func (p *bufferPool) findBestFitPool(size int) int {
	for i, poolSize := range bufferPoolSizes {
		if size <= poolSize {
			return i
		}
	}
	return -1
}
