package quote

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		msg  string
		want ErrorClass
	}{
		{"MetaMask Tx Signature: User denied transaction signature.", ErrClassRejected},
		{"user rejected the request", ErrClassRejected},
		{"ACTION_REJECTED", ErrClassRejected},
		{"insufficient funds for gas * price + value", ErrClassFunds},
		{"transfer amount exceeds balance", ErrClassFunds},
		{"ERC20: insufficient allowance", ErrClassAllowance},
		{"execution reverted: TransferHelper: TRANSFER_FROM_FAILED", ErrClassAllowance},
		{"wrong network selected", ErrClassWrongNetwork},
		{"Unrecognized chain ID 0xa4b1", ErrClassWrongNetwork},
		{"something exploded", ErrClassUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(errors.New(c.msg)), "msg=%q", c.msg)
	}
}

func TestClassifyAllowanceBeatsFunds(t *testing.T) {
	// Wallets phrase allowance failures with "insufficient" too; the more
	// specific class must win.
	got := Classify(errors.New("insufficient allowance: needed 5, had 0"))
	assert.Equal(t, ErrClassAllowance, got)
}

func TestClassifyNil(t *testing.T) {
	assert.Equal(t, ErrClassUnknown, Classify(nil))
}
