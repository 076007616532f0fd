package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/citizenfx/fxcore/internal/net/packet"
	"github.com/citizenfx/fxcore/internal/scripting"
	"go.uber.org/zap"
)

var (
	ErrUnknownArgType = errors.New("unknown argument type")
	ErrArgCount       = errors.New("wrong number of arguments")
)

// Argument types an RPC native may declare.
const (
	ArgInt     = "int"
	ArgFloat   = "float"
	ArgBool    = "bool"
	ArgHash    = "Hash"
	ArgString  = "string"
	ArgEntity  = "Entity"
	ArgPlayer  = "Player"
	ArgVehicle = "Vehicle"
	ArgPed     = "Ped"
	ArgObject  = "Object"
	ArgVector3 = "vector3"
)

var knownArgTypes = map[string]bool{
	ArgInt: true, ArgFloat: true, ArgBool: true, ArgHash: true, ArgString: true,
	ArgEntity: true, ArgPlayer: true, ArgVehicle: true, ArgPed: true, ArgObject: true,
	ArgVector3: true,
}

// Hash accepts a JSON number or a "0x"-prefixed hex string.
type Hash uint64

func (h *Hash) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
		if err != nil {
			return fmt.Errorf("hash %q: %w", s, err)
		}
		*h = Hash(v)
		return nil
	}
	var n uint64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("hash %s: %w", b, err)
	}
	*h = Hash(n)
	return nil
}

type ContextSpec struct {
	Index int    `json:"idx"`
	Type  string `json:"type"`
}

type ArgSpec struct {
	Type string `json:"type"`
}

// NativeSpec describes one native that is executed remotely.
type NativeSpec struct {
	Name    string       `json:"name"`
	Hash    Hash         `json:"hash"`
	Type    string       `json:"type"` // ctx, entity, object or player
	Context *ContextSpec `json:"ctx"`
	Args    []ArgSpec    `json:"args"`
	Returns bool         `json:"returns"`
}

func (s *NativeSpec) validate() error {
	if s.Name == "" && s.Hash == 0 {
		return errors.New("native without name or hash")
	}
	for i, a := range s.Args {
		if !knownArgTypes[a.Type] {
			return fmt.Errorf("%s: argument %d: %w %q", s.Name, i, ErrUnknownArgType, a.Type)
		}
	}
	if s.Context != nil {
		if s.Context.Index < 0 || s.Context.Index >= len(s.Args) {
			return fmt.Errorf("%s: context index %d out of range", s.Name, s.Context.Index)
		}
		if !knownArgTypes[s.Context.Type] {
			return fmt.Errorf("%s: context: %w %q", s.Name, ErrUnknownArgType, s.Context.Type)
		}
	}
	return nil
}

// Marshal encodes a call as [hash u64][args...], little-endian. Integer
// kinds are 4 bytes, floats are float32, bools one byte, strings are
// NUL-terminated and vectors are three float32s.
func (s *NativeSpec) Marshal(args []any) ([]byte, error) {
	if len(args) != len(s.Args) {
		return nil, fmt.Errorf("%s: %w: want %d, got %d", s.Name, ErrArgCount, len(s.Args), len(args))
	}
	w := packet.NewWriter()
	w.WriteU64(uint64(s.Hash))
	for i, a := range s.Args {
		if err := writeArg(w, a.Type, args[i]); err != nil {
			return nil, fmt.Errorf("%s: argument %d: %w", s.Name, i, err)
		}
	}
	return w.Bytes(), nil
}

func writeArg(w *packet.Writer, typ string, v any) error {
	switch typ {
	case ArgInt, ArgHash, ArgEntity, ArgPlayer, ArgVehicle, ArgPed, ArgObject:
		n, err := toNumber(v)
		if err != nil {
			return err
		}
		w.WriteU32(uint32(int64(n)))
	case ArgFloat:
		n, err := toNumber(v)
		if err != nil {
			return err
		}
		w.WriteF32(float32(n))
	case ArgBool:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		if b {
			w.WriteU8(1)
		} else {
			w.WriteU8(0)
		}
	case ArgString:
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if strings.IndexByte(str, 0) >= 0 {
			return errors.New("string contains NUL")
		}
		w.WriteCString(str)
	case ArgVector3:
		x, y, z, err := toVector(v)
		if err != nil {
			return err
		}
		w.WriteF32(x)
		w.WriteF32(y)
		w.WriteF32(z)
	default:
		return fmt.Errorf("%w %q", ErrUnknownArgType, typ)
	}
	return nil
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

// toVector accepts [x, y, z] or {x=, y=, z=}.
func toVector(v any) (x, y, z float32, err error) {
	var parts [3]any
	switch vec := v.(type) {
	case []any:
		if len(vec) != 3 {
			return 0, 0, 0, fmt.Errorf("vector3 needs 3 components, got %d", len(vec))
		}
		copy(parts[:], vec)
	case map[string]any:
		parts = [3]any{vec["x"], vec["y"], vec["z"]}
	default:
		return 0, 0, 0, fmt.Errorf("expected vector3, got %T", v)
	}
	var out [3]float32
	for i, p := range parts {
		n, err := toNumber(p)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("vector3 component %d: %w", i, err)
		}
		out[i] = float32(n)
	}
	return out[0], out[1], out[2], nil
}

// Configuration is the set of natives executed by peers.
type Configuration struct {
	Natives []NativeSpec
}

// LoadConfiguration decodes a JSON list of native specs. Specs without a
// hash get the hash of their name. Any unknown argument type fails the
// whole load.
func LoadConfiguration(r io.Reader) (*Configuration, error) {
	var specs []NativeSpec
	if err := json.NewDecoder(r).Decode(&specs); err != nil {
		return nil, fmt.Errorf("decode rpc natives: %w", err)
	}
	for i := range specs {
		if err := specs[i].validate(); err != nil {
			return nil, fmt.Errorf("rpc native %d: %w", i, err)
		}
		if specs[i].Hash == 0 {
			specs[i].Hash = Hash(scripting.HashNative(specs[i].Name))
		}
	}
	return &Configuration{Natives: specs}, nil
}

func LoadConfigurationFile(path string) (*Configuration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rpc natives: %w", err)
	}
	defer f.Close()
	return LoadConfiguration(f)
}

// MessageSender queues framed messages for peers; target -1 broadcasts.
type MessageSender interface {
	SendMessage(target int, msg []byte) error
}

// Register installs a native per spec that forwards calls to every peer
// as msgRpcNative messages. Natives are reachable by hash and by name.
func (c *Configuration) Register(natives *scripting.NativeRegistry, sender MessageSender, log *zap.Logger) {
	for i := range c.Natives {
		spec := &c.Natives[i]
		handler := func(ctx *scripting.NativeContext) error {
			body, err := spec.Marshal(ctx.Args)
			if err != nil {
				return err
			}
			w := packet.NewMessageWriter(packet.MsgRpcNative)
			w.WriteBytes(body)
			return sender.SendMessage(-1, w.Bytes())
		}
		natives.RegisterHash(uint64(spec.Hash), handler)
		if spec.Name != "" && scripting.HashNative(spec.Name) != uint64(spec.Hash) {
			natives.Register(spec.Name, handler)
		}
	}
	log.Info("rpc natives registered", zap.Int("count", len(c.Natives)))
}
