package encryption

import (
	"bufio"
	"bytes"
	"io"

	"minhash-go/internal/errclass"
	"minhash-go/internal/minhash"
)

// Archives written by TestEncryptor start with testHeader followed by the
// plaintext XORed with testMask. Any passphrase unlocks them.
var testHeader = []byte("MHENC\x00\x00\x01")

const testMask = 0x5a

// TestEncryptor is a keyless, deterministic stand-in for age, selected with
// archive encryption "test".
type TestEncryptor struct{}

var _ minhash.Encryptor = (*TestEncryptor)(nil)

func NewTestEncryptor() *TestEncryptor { return &TestEncryptor{} }

func (*TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(testHeader); err != nil {
		return err
	}
	if err := mask(bw, r); err != nil {
		return err
	}
	return bw.Flush()
}

func (*TestEncryptor) Unlock(string) (minhash.DecryptionContext, error) {
	return &TestDecryptionContext{}, nil
}

type TestDecryptionContext struct{}

var _ minhash.DecryptionContext = (*TestDecryptionContext)(nil)

func (*TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	header := make([]byte, len(testHeader))
	if _, err := io.ReadFull(r, header); err != nil || !bytes.Equal(header, testHeader) {
		return errclass.ErrIntegrityViolation.WithMessage("archive lacks the test encryption header")
	}
	bw := bufio.NewWriter(w)
	if err := mask(bw, r); err != nil {
		return err
	}
	return bw.Flush()
}

func mask(w io.ByteWriter, r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := w.WriteByte(b ^ testMask); err != nil {
			return err
		}
	}
}
