package keys

import "testing"

func TestCompareUserKeyOrder(t *testing.T) {
	a := TableKey{UserKey: 1, SeqNum: 5, WriteType: WriteTypePut, UserVal: 10}
	b := TableKey{UserKey: 2, SeqNum: 5, WriteType: WriteTypePut, UserVal: 10}

	if Compare(a, b) >= 0 {
		t.Errorf("expected a < b")
	}
	if Compare(b, a) <= 0 {
		t.Errorf("expected b > a")
	}
	if Compare(a, a) != 0 {
		t.Errorf("expected a == a")
	}
}

func TestCompareSeqNumDescending(t *testing.T) {
	older := TableKey{UserKey: 1, SeqNum: 1, WriteType: WriteTypePut}
	newer := TableKey{UserKey: 1, SeqNum: 2, WriteType: WriteTypePut}

	// Same user key, higher seq must sort first.
	if Compare(newer, older) >= 0 {
		t.Errorf("expected newer (higher seq) to sort before older")
	}
}

func TestCompareNegativeKeys(t *testing.T) {
	neg := TableKey{UserKey: -5, SeqNum: 1, WriteType: WriteTypePut}
	pos := TableKey{UserKey: 3, SeqNum: 1, WriteType: WriteTypePut}
	if Compare(neg, pos) >= 0 {
		t.Errorf("expected negative user key to sort before positive")
	}
}

func TestLookupKeyAsTableKeySortsBeforeWrites(t *testing.T) {
	lk := LookupKey{UserKey: 7, SeqNum: 5}
	tk := lk.AsTableKey()
	put := TableKey{UserKey: 7, SeqNum: 5, WriteType: WriteTypePut}
	del := TableKey{UserKey: 7, SeqNum: 5, WriteType: WriteTypeDelete}

	if Compare(tk, put) >= 0 {
		t.Errorf("expected lookup key's synthetic table key to sort before a Put at the same seq")
	}
	if Compare(tk, del) >= 0 {
		t.Errorf("expected lookup key's synthetic table key to sort before a Delete at the same seq")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []TableKey{
		Identity(0),
		Identity(42),
		Identity(-42),
		{UserKey: -2147483648, SeqNum: 0, WriteType: WriteTypeEmpty, UserVal: 0},
		{UserKey: 2147483647, SeqNum: 1<<56 - 1, WriteType: WriteTypeDelete, UserVal: -7},
	}

	buf := make([]byte, EncodedSize)
	for _, tk := range cases {
		tk.Encode(buf)
		got, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode returned error for %+v: %v", tk, err)
		}
		if got != tk {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, tk)
		}
	}
}

func TestDecodeInvalidWriteType(t *testing.T) {
	buf := make([]byte, EncodedSize)
	Identity(1).Encode(buf)
	buf[12] = 0xFF // out of {Empty, Put, Delete} range

	if _, err := Decode(buf); err == nil {
		t.Errorf("expected an error decoding an out-of-range write type")
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	if _, err := Decode(make([]byte, EncodedSize-1)); err == nil {
		t.Errorf("expected an error decoding a short buffer")
	}
}
