package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"pelican-relay/internal/model"
)

// doneSentinel 上游用这一行显式标记流结束
const doneSentinel = "[DONE]"

// Decoder 把按SSE约定分帧的字节流解析成有序的协议事件。
// 一个Decoder绑定一个底层流，不可复用；纯解析，不做网络IO。
type Decoder struct {
	src       io.ReadCloser
	reader    *bufio.Reader
	closeOnce sync.Once
	closeErr  error
}

func NewDecoder(src io.ReadCloser) *Decoder {
	return &Decoder{
		src:    src,
		reader: bufio.NewReader(src),
	}
}

// Recv 返回下一个协议事件，事件严格按到达顺序产出。
// 流结束（源关闭或收到终止哨兵）时返回io.EOF。
// 解析失败的数据行静默丢弃，保活帧和畸形中间帧不致命。
func (d *Decoder) Recv() (*model.Event, error) {
	for {
		// bufio负责把被分块切开的行重新拼完整
		line, err := d.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				// 源在最后一行没带换行就关闭了，剩余内容仍尝试解析一次
				if ev, terminal := d.decodeLine(line); terminal {
					return nil, io.EOF
				} else if ev != nil {
					return ev, nil
				}
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read stream: %w", err)
		}

		ev, terminal := d.decodeLine(line)
		if terminal {
			return nil, io.EOF
		}
		if ev != nil {
			return ev, nil
		}
	}
}

// decodeLine 解析一行。返回(nil, false)表示该行被跳过或丢弃，
// terminal为true表示遇到终止哨兵。
func (d *Decoder) decodeLine(line string) (*model.Event, bool) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, false
	}

	// 非data行（注释、事件名等）直接跳过
	if !strings.HasPrefix(line, "data:") {
		return nil, false
	}

	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == doneSentinel {
		return nil, true
	}

	var ev model.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		// 丢弃无法解析的载荷，只有终止哨兵才结束流
		return nil, false
	}
	if ev.Type == "" {
		return nil, false
	}

	return &ev, false
}

// Close 关闭底层流，幂等。关闭后Recv不再产出事件。
func (d *Decoder) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.src.Close()
	})
	return d.closeErr
}
