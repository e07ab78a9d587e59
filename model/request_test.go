package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"query only", Request{Query: strptr("{a}")}, false},
		{"documentId only", Request{DocumentID: strptr("doc1")}, false},
		{"neither", Request{}, true},
		{"both", Request{Query: strptr("{a}"), DocumentID: strptr("doc1")}, true},
		{"empty strings count as absent", Request{Query: strptr(""), DocumentID: strptr("")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFingerprintStableAcrossKeyOrder(t *testing.T) {
	r1 := Request{
		Query: strptr("{a}"),
		Variables: map[string]interface{}{
			"b": 1,
			"a": 2,
		},
	}
	r2 := Request{
		Query: strptr("{a}"),
		Variables: map[string]interface{}{
			"a": 2,
			"b": 1,
		},
	}

	f1, err := r1.Fingerprint()
	require.NoError(t, err)
	f2, err := r2.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, f1, f2, "canonicalized fingerprints must match regardless of caller-supplied key order")
}

func TestFingerprintDiffersOnDifferentVariables(t *testing.T) {
	r1 := Request{Query: strptr("{a}"), Variables: map[string]interface{}{"id": 1}}
	r2 := Request{Query: strptr("{a}"), Variables: map[string]interface{}{"id": 2}}

	f1, err := r1.Fingerprint()
	require.NoError(t, err)
	f2, err := r2.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, f1, f2)
}

func TestFingerprintDistinguishesQueryFromDocumentID(t *testing.T) {
	r1 := Request{Query: strptr("doc1")}
	r2 := Request{DocumentID: strptr("doc1")}

	f1, err := r1.Fingerprint()
	require.NoError(t, err)
	f2, err := r2.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, f1, f2)
}
