package util

import "io"

// drainChunkSize 单次读取的块大小
const drainChunkSize = 512

// ReadToEnd 将可读字节流完整读入内存缓冲区
//
// 反复读取直到流结束，兼容以任意小块返回数据的来源。
// 不限制总大小，来源的边界由调用方自行保证。
func ReadToEnd(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, drainChunkSize)
	chunk := make([]byte, drainChunkSize)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
	}
}
