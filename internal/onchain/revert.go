package onchain

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	clierr "github.com/ggonzalez94/rewards-compounder/internal/errors"
)

var (
	errorStringSelector = []byte{0x08, 0xc3, 0x79, 0xa0}
	panicSelector       = []byte{0x4e, 0x48, 0x7b, 0x71}
)

// dataError is implemented by go-ethereum rpc errors that carry revert data.
type dataError interface {
	Error() string
	ErrorData() interface{}
}

func decodeRevertData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	selector, payload := data[:4], data[4:]
	switch {
	case bytes.Equal(selector, errorStringSelector):
		args := abi.Arguments{{Type: mustType("string")}}
		vals, err := args.Unpack(payload)
		if err != nil || len(vals) != 1 {
			return ""
		}
		reason, _ := vals[0].(string)
		return reason
	case bytes.Equal(selector, panicSelector):
		args := abi.Arguments{{Type: mustType("uint256")}}
		vals, err := args.Unpack(payload)
		if err != nil || len(vals) != 1 {
			return "panic"
		}
		return fmt.Sprintf("panic code %v", vals[0])
	default:
		return fmt.Sprintf("custom error %s", hexutil.Encode(selector))
	}
}

func decodeRevertFromError(err error) string {
	var de dataError
	if !errors.As(err, &de) {
		return ""
	}
	switch v := de.ErrorData().(type) {
	case string:
		if !strings.HasPrefix(v, "0x") {
			return ""
		}
		return decodeRevertData(common.FromHex(v))
	case []byte:
		return decodeRevertData(v)
	default:
		return ""
	}
}

// wrapEVMExecutionError attaches a decoded revert reason, when the node returned one.
func wrapEVMExecutionError(code clierr.Code, message string, err error) error {
	if reason := decodeRevertFromError(err); reason != "" {
		return clierr.Wrap(code, fmt.Sprintf("%s: execution reverted: %s", message, reason), err)
	}
	return clierr.Wrap(code, message, err)
}

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}
