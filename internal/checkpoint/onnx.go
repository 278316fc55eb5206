package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"icon-trainer/internal/nn"
)

const (
	onnxIRVersion = 7
	onnxOpset     = 13

	// Graph input and output names.
	InputName  = "input"
	OutputName = "logits"
)

// ONNX TensorProto.DataType and AttributeProto.AttributeType values.
const (
	onnxFloat = 1
	attrFloat = 1
	attrInt   = 2
	attrInts  = 7
)

const batchDimParam = "batch"

type onnxNode struct {
	opType string
	name   string
	inputs []string
	output string
	attrs  [][]byte
}

type onnxGraph struct {
	nodes        []onnxNode
	initializers [][]byte
	last         string
}

func (g *onnxGraph) add(n onnxNode) {
	g.nodes = append(g.nodes, n)
	g.last = n.output
}

func (g *onnxGraph) constant(name string, dims []int, data []float32) string {
	g.initializers = append(g.initializers, tensorProto(name, dims, data))
	return name
}

// ExportONNX renders net as an opset 13 inference graph with a dynamic batch
// dimension. Dropout is omitted and BatchNormalization uses the moving
// statistics.
func ExportONNX(net *nn.Sequential, meta Metadata) ([]byte, error) {
	if !net.Built() {
		return nil, errors.New("checkpoint: network is not built")
	}
	params := map[string]*nn.Param{}
	for _, p := range net.Params() {
		params[p.Name] = p
	}
	value := func(name string) (*nn.Param, error) {
		p, ok := params[name]
		if !ok {
			return nil, fmt.Errorf("checkpoint: missing parameter %q", name)
		}
		return p, nil
	}

	g := &onnxGraph{last: InputName}
	for _, spec := range net.Specs() {
		out := spec.Name + "_output"
		switch spec.Kind {
		case nn.KindRescaling:
			scale := g.constant(spec.Name+".scale", []int{1}, []float32{spec.Scale})
			g.add(onnxNode{opType: "Mul", name: spec.Name, inputs: []string{g.last, scale}, output: out})
		case nn.KindConv2D:
			w, err := value(spec.Name + ".weight")
			if err != nil {
				return nil, err
			}
			b, err := value(spec.Name + ".bias")
			if err != nil {
				return nil, err
			}
			k := spec.KernelSize
			channels := len(w.Value.Data) / (spec.Filters * k * k)
			pad := int64(k / 2)
			g.add(onnxNode{
				opType: "Conv",
				name:   spec.Name,
				inputs: []string{
					g.last,
					g.constant(w.Name, []int{spec.Filters, channels, k, k}, w.Value.Data),
					g.constant(b.Name, []int{spec.Filters}, b.Value.Data),
				},
				output: out,
				attrs: [][]byte{
					intsAttr("kernel_shape", int64(k), int64(k)),
					intsAttr("pads", pad, pad, pad, pad),
					intsAttr("strides", 1, 1),
				},
			})
			g.activation(spec)
		case nn.KindMaxPool2D:
			p := int64(spec.PoolSize)
			g.add(onnxNode{
				opType: "MaxPool",
				name:   spec.Name,
				inputs: []string{g.last},
				output: out,
				attrs:  [][]byte{intsAttr("kernel_shape", p, p), intsAttr("strides", p, p)},
			})
		case nn.KindBatchNorm:
			inputs := []string{g.last}
			for _, suffix := range []string{".gamma", ".beta", ".moving_mean", ".moving_variance"} {
				p, err := value(spec.Name + suffix)
				if err != nil {
					return nil, err
				}
				inputs = append(inputs, g.constant(p.Name, p.Value.Shape, p.Value.Data))
			}
			g.add(onnxNode{
				opType: "BatchNormalization",
				name:   spec.Name,
				inputs: inputs,
				output: out,
				attrs:  [][]byte{floatAttr("epsilon", spec.Epsilon), floatAttr("momentum", spec.Momentum)},
			})
		case nn.KindDropout:
			// identity at inference
		case nn.KindFlatten:
			g.add(onnxNode{opType: "Flatten", name: spec.Name, inputs: []string{g.last}, output: out, attrs: [][]byte{intAttr("axis", 1)}})
		case nn.KindDense:
			w, err := value(spec.Name + ".weight")
			if err != nil {
				return nil, err
			}
			b, err := value(spec.Name + ".bias")
			if err != nil {
				return nil, err
			}
			g.add(onnxNode{
				opType: "Gemm",
				name:   spec.Name,
				inputs: []string{
					g.last,
					g.constant(w.Name, w.Value.Shape, w.Value.Data),
					g.constant(b.Name, b.Value.Shape, b.Value.Data),
				},
				output: out,
			})
			g.activation(spec)
		default:
			return nil, fmt.Errorf("checkpoint: cannot export layer kind %q", spec.Kind)
		}
	}
	if len(g.nodes) == 0 {
		return nil, errors.New("checkpoint: network has no exportable layers")
	}
	g.nodes[len(g.nodes)-1].output = OutputName

	return encodeModel(g, net.InputShape(), net.OutputShape(), meta), nil
}

// WriteONNX exports net to path, replacing any existing file.
func WriteONNX(path string, net *nn.Sequential, meta Metadata) error {
	data, err := ExportONNX(net, meta)
	if err != nil {
		return err
	}
	return writeAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func (g *onnxGraph) activation(spec nn.Spec) {
	if spec.Activation != nn.ReLU {
		return
	}
	g.add(onnxNode{opType: "Relu", name: spec.Name + "_relu", inputs: []string{g.last}, output: spec.Name + "_relu_output"})
}

func encodeModel(g *onnxGraph, in, out nn.Shape, meta Metadata) []byte {
	var graph []byte
	for _, n := range g.nodes {
		graph = appendMessage(graph, 1, nodeProto(n))
	}
	graph = appendString(graph, 2, "icon_classifier")
	for _, t := range g.initializers {
		graph = appendMessage(graph, 5, t)
	}
	graph = appendMessage(graph, 11, valueInfo(InputName, in))
	graph = appendMessage(graph, 12, valueInfo(OutputName, out))

	var model []byte
	model = appendVarint(model, 1, onnxIRVersion)
	model = appendString(model, 2, "icon-trainer")
	model = appendString(model, 3, fmt.Sprint(FormatVersion))
	model = appendVarint(model, 5, 1)
	model = appendMessage(model, 7, graph)
	var opset []byte
	opset = appendString(opset, 1, "")
	opset = appendVarint(opset, 2, onnxOpset)
	model = appendMessage(model, 8, opset)

	props := [][2]string{
		{"run_id", meta.RunID},
		{"color_mode", meta.ColorMode},
		{"class_names", joinNames(meta.ClassNames)},
	}
	for _, kv := range props {
		if kv[1] == "" {
			continue
		}
		var entry []byte
		entry = appendString(entry, 1, kv[0])
		entry = appendString(entry, 2, kv[1])
		model = appendMessage(model, 14, entry)
	}
	return model
}

func joinNames(names []string) string {
	if len(names) == 0 {
		return ""
	}
	data, err := json.Marshal(names)
	if err != nil {
		return ""
	}
	return string(data)
}

func nodeProto(n onnxNode) []byte {
	var b []byte
	for _, in := range n.inputs {
		b = appendString(b, 1, in)
	}
	b = appendString(b, 2, n.output)
	b = appendString(b, 3, n.name)
	b = appendString(b, 4, n.opType)
	for _, a := range n.attrs {
		b = appendMessage(b, 5, a)
	}
	return b
}

func tensorProto(name string, dims []int, data []float32) []byte {
	var b []byte
	for _, d := range dims {
		b = appendVarint(b, 1, uint64(d))
	}
	b = appendVarint(b, 2, onnxFloat)
	b = appendString(b, 8, name)
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	return protowire.AppendBytes(b, raw)
}

func valueInfo(name string, shape nn.Shape) []byte {
	var dims []byte
	var batch []byte
	batch = appendString(batch, 2, batchDimParam)
	dims = appendMessage(dims, 1, batch)
	for _, d := range shape {
		var dim []byte
		dim = appendVarint(dim, 1, uint64(d))
		dims = appendMessage(dims, 1, dim)
	}
	var tensor []byte
	tensor = appendVarint(tensor, 1, onnxFloat)
	tensor = appendMessage(tensor, 2, dims)
	var typ []byte
	typ = appendMessage(typ, 1, tensor)

	var b []byte
	b = appendString(b, 1, name)
	return appendMessage(b, 2, typ)
}

func intsAttr(name string, values ...int64) []byte {
	var b []byte
	b = appendString(b, 1, name)
	for _, v := range values {
		b = appendVarint(b, 8, uint64(v))
	}
	return appendVarint(b, 20, attrInts)
}

func intAttr(name string, v int64) []byte {
	var b []byte
	b = appendString(b, 1, name)
	b = appendVarint(b, 3, uint64(v))
	return appendVarint(b, 20, attrInt)
}

func floatAttr(name string, v float32) []byte {
	var b []byte
	b = appendString(b, 1, name)
	b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(v))
	return appendVarint(b, 20, attrFloat)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
