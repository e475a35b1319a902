package eventbus

import "encoding/json"

// DecodeCommand parses an inbound command payload. Both reference
// backends frame commands as plain JSON, so decoding is shared here
// rather than duplicated per backend.
func DecodeCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, err
	}
	return cmd, nil
}
