package kyutai

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// Kyutai streams 24kHz PCM.
const defaultSampleRate = 24000

const (
	messageTypeReady = "Ready"
	messageTypeText  = "Text"
	messageTypeAudio = "Audio"
	messageTypeEos   = "Eos"
)

type message struct {
	Type string
	Text string
	PCM  []float32
}

func encodeText(text string) []byte {
	buf := msgp.AppendMapHeader(nil, 2)
	buf = msgp.AppendString(buf, "type")
	buf = msgp.AppendString(buf, messageTypeText)
	buf = msgp.AppendString(buf, "text")
	buf = msgp.AppendString(buf, text)
	return buf
}

func encodeEos() []byte {
	buf := msgp.AppendMapHeader(nil, 1)
	buf = msgp.AppendString(buf, "type")
	buf = msgp.AppendString(buf, messageTypeEos)
	return buf
}

func decodeMessage(data []byte) (message, error) {
	var msg message

	fields, data, err := msgp.ReadMapHeaderBytes(data)
	if err != nil {
		return msg, fmt.Errorf("failed to read map header: %w", err)
	}

	for range fields {
		var key string
		if key, data, err = msgp.ReadStringBytes(data); err != nil {
			return msg, fmt.Errorf("failed to read field key: %w", err)
		}

		switch key {
		case "type":
			if msg.Type, data, err = msgp.ReadStringBytes(data); err != nil {
				return msg, fmt.Errorf("failed to read type: %w", err)
			}
		case "text":
			if msg.Text, data, err = msgp.ReadStringBytes(data); err != nil {
				return msg, fmt.Errorf("failed to read text: %w", err)
			}
		case "pcm":
			var count uint32
			if count, data, err = msgp.ReadArrayHeaderBytes(data); err != nil {
				return msg, fmt.Errorf("failed to read pcm header: %w", err)
			}
			msg.PCM = make([]float32, count)
			for i := range msg.PCM {
				if msg.PCM[i], data, err = msgp.ReadFloat32Bytes(data); err != nil {
					return msg, fmt.Errorf("failed to read pcm sample: %w", err)
				}
			}
		default:
			if data, err = msgp.Skip(data); err != nil {
				return msg, fmt.Errorf("failed to skip field %q: %w", key, err)
			}
		}
	}

	return msg, nil
}
