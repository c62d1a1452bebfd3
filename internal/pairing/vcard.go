package pairing

import (
	"fmt"
	"io"
	"os"

	"github.com/emersion/go-vcard"
)

// SeedAllowFromVCard imports phone numbers from one or more vCard
// files (as exported by a phone's contacts app) and approves each as
// a static allow-list entry for channel. This is additive to
// SeedAllowFrom — it does not change IsApproved/RequestPairing/Approve
// semantics, just another way to populate the allow-list at startup.
func (a *Authority) SeedAllowFromVCard(channel string, paths []string) error {
	var ids []string
	for _, path := range paths {
		numbers, err := readVCardPhoneNumbers(path)
		if err != nil {
			return fmt.Errorf("read vcard %s: %w", path, err)
		}
		ids = append(ids, numbers...)
	}
	return a.SeedAllowFrom(channel, ids)
}

func readVCardPhoneNumbers(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := vcard.NewDecoder(f)
	var numbers []string
	for {
		card, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		for _, field := range card[vcard.FieldTelephone] {
			if field.Value != "" {
				numbers = append(numbers, field.Value)
			}
		}
	}
	return numbers, nil
}
