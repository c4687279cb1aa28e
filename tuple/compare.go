package tuple

import "bytes"

// Compare reports -1, 0, or 1 according to whether packed a sorts before,
// equal to, or after packed b. It is a thin wrapper used by tests to
// assert the order-preservation law without duplicating Pack's logic;
// production code should prefer comparing packed bytes directly.
func Compare(a, b Tuple) (int, error) {
	pa, err := Pack(a)
	if err != nil {
		return 0, err
	}
	pb, err := Pack(b)
	if err != nil {
		return 0, err
	}
	return bytes.Compare(pa, pb), nil
}
