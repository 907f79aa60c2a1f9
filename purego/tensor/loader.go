package tensor

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// TensorInfo describes a tensor in safetensors format
type TensorInfo struct {
	Dtype  string   `json:"dtype"`
	Shape  []int    `json:"shape"`
	Offset [2]int64 `json:"data_offsets"`
}

const configMetadataKey = "seq2seq_config"

// LoadSafetensors reads a Seq2SeqModel from a safetensors file. When config
// is nil it is taken from the file's metadata.
func LoadSafetensors(path string, config *Seq2SeqConfig) (*Seq2SeqModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("failed to parse header: file too short")
	}

	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > uint64(len(data)-8) {
		return nil, fmt.Errorf("failed to parse header: header size %d exceeds file", headerSize)
	}
	headerBytes := data[8 : 8+headerSize]
	tensorData := data[8+headerSize:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	metadata := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			if config == nil {
				config, err = configFromMetadata(msg)
				if err != nil {
					return nil, err
				}
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("failed to parse header entry %s: %w", name, err)
		}
		metadata[name] = info
	}
	if config == nil {
		return nil, fmt.Errorf("no model config given and none stored in %s", path)
	}

	model, err := NewSeq2SeqModel(config, ZeroInit{})
	if err != nil {
		return nil, err
	}

	for _, p := range model.Parameters() {
		if err := loadTensor(tensorData, metadata, p.Name, p.Tensor); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", p.Name, err)
		}
	}

	return model, nil
}

func configFromMetadata(msg json.RawMessage) (*Seq2SeqConfig, error) {
	var meta map[string]string
	if err := json.Unmarshal(msg, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	s, ok := meta[configMetadataKey]
	if !ok {
		return nil, nil
	}
	var config Seq2SeqConfig
	if err := json.Unmarshal([]byte(s), &config); err != nil {
		return nil, fmt.Errorf("failed to parse model config: %w", err)
	}
	return &config, nil
}

// loadTensor decodes a single named tensor into target, which must already
// have the expected shape
func loadTensor(data []byte, metadata map[string]TensorInfo, name string, target *Tensor) error {
	info, ok := metadata[name]
	if !ok {
		return fmt.Errorf("tensor not found: %s", name)
	}

	dtype, err := ParseDType(info.Dtype)
	if err != nil {
		return fmt.Errorf("unsupported dtype: %s", info.Dtype)
	}

	start, end := info.Offset[0], info.Offset[1]
	if start < 0 || end < start || end > int64(len(data)) || (end-start)%int64(dtype.ByteSize()) != 0 {
		return fmt.Errorf("invalid data offsets %v", info.Offset)
	}
	tensorBytes := data[start:end]
	numElements := len(tensorBytes) / dtype.ByteSize()

	values := make([]float32, numElements)
	switch dtype {
	case F32:
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(tensorBytes[i*4:]))
		}
	case F16:
		for i := range values {
			values[i] = float16.Frombits(binary.LittleEndian.Uint16(tensorBytes[i*2:])).Float32()
		}
	case BF16:
		values = bfloat16.DecodeFloat32(tensorBytes)
	}

	stored, err := FromSlice(values, info.Shape...)
	if err != nil {
		return fmt.Errorf("stored data does not match its shape: %w", err)
	}
	if !stored.SameShape(target) {
		return fmt.Errorf("%w: stored shape %v, want %v", ErrShape, stored.Shape, target.Shape)
	}
	copy(target.Data, stored.Data)

	return nil
}

// SaveSafetensors writes every parameter of model in the given dtype. The
// model config is stored in the file metadata.
func SaveSafetensors(path string, model *Seq2SeqModel, dtype DType) error {
	params := model.Parameters()
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })

	header := make(map[string]any, len(params)+1)
	var payload bytes.Buffer
	for _, p := range params {
		start := int64(payload.Len())
		encodeTensor(&payload, p.Tensor, dtype)
		header[p.Name] = TensorInfo{
			Dtype:  dtype.String(),
			Shape:  p.Tensor.Shape,
			Offset: [2]int64{start, int64(payload.Len())},
		}
	}

	config, err := json.Marshal(model.Config)
	if err != nil {
		return fmt.Errorf("failed to encode model config: %w", err)
	}
	header["__metadata__"] = map[string]string{configMetadataKey: string(config)}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	// keep the payload 8-byte aligned
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint64(len(headerBytes)))
	out.Write(headerBytes)
	out.Write(payload.Bytes())

	if err := os.WriteFile(path, out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func encodeTensor(w *bytes.Buffer, t *Tensor, dtype DType) {
	switch dtype {
	case F16:
		buf := make([]byte, 2)
		for _, v := range t.Data {
			binary.LittleEndian.PutUint16(buf, float16.Fromfloat32(v).Bits())
			w.Write(buf)
		}
	case BF16:
		w.Write(bfloat16.EncodeFloat32(t.Data))
	default:
		buf := make([]byte, 4)
		for _, v := range t.Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			w.Write(buf)
		}
	}
}
