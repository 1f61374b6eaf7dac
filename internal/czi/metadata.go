package czi

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// micronsPerMeter converts Scaling distances (meters) to micrometers.
const micronsPerMeter = 1e6

// Metadata holds the calibration and channel fields read from the embedded XML.
type Metadata struct {
	// VoxelSize holds X, Y, Z in micrometers; nil when the document omits a value.
	VoxelSize    [3]*float64
	TimeInterval *float64
	ChannelNames []string
	SizeS        int
}

type imageDocument struct {
	Metadata struct {
		Information struct {
			Image struct {
				SizeS      int `xml:"SizeS"`
				Dimensions struct {
					Channels struct {
						Channel []struct {
							ID   string `xml:"Id,attr"`
							Name string `xml:"Name,attr"`
						} `xml:"Channel"`
					} `xml:"Channels"`
					T struct {
						Positions struct {
							Interval struct {
								Increment string `xml:"Increment"`
							} `xml:"Interval"`
						} `xml:"Positions"`
					} `xml:"T"`
				} `xml:"Dimensions"`
			} `xml:"Image"`
		} `xml:"Information"`
		Scaling struct {
			Items struct {
				Distance []struct {
					ID    string `xml:"Id,attr"`
					Value string `xml:"Value"`
				} `xml:"Distance"`
			} `xml:"Items"`
		} `xml:"Scaling"`
	} `xml:"Metadata"`
}

// ParseMetadata extracts calibration and channel names from a CZI XML document.
// An empty document yields empty metadata.
func ParseMetadata(doc []byte) (Metadata, error) {
	var md Metadata
	doc = bytes.TrimSpace(doc)
	if len(doc) == 0 {
		return md, nil
	}

	var parsed imageDocument
	if err := xml.Unmarshal(doc, &parsed); err != nil {
		return md, fmt.Errorf("parse metadata xml: %w", err)
	}

	for _, d := range parsed.Metadata.Scaling.Items.Distance {
		v, ok := positiveFloat(d.Value)
		if !ok {
			continue
		}
		um := v * micronsPerMeter
		switch d.ID {
		case "X":
			md.VoxelSize[0] = &um
		case "Y":
			md.VoxelSize[1] = &um
		case "Z":
			md.VoxelSize[2] = &um
		}
	}

	image := parsed.Metadata.Information.Image
	md.SizeS = image.SizeS
	if v, ok := positiveFloat(image.Dimensions.T.Positions.Interval.Increment); ok {
		md.TimeInterval = &v
	} else if raw, err := findText(doc, "TimeSeriesT", "Interval", "IncrementT"); err == nil {
		if v, ok := positiveFloat(raw); ok {
			md.TimeInterval = &v
		}
	}

	for i, ch := range image.Dimensions.Channels.Channel {
		name := strings.TrimSpace(ch.Name)
		if name == "" {
			name = strings.TrimSpace(ch.ID)
		}
		if name == "" {
			name = fmt.Sprintf("Channel_%d", i)
		}
		md.ChannelNames = append(md.ChannelNames, name)
	}
	return md, nil
}

// findText returns the character data of the first element whose ancestry
// ends with path.
func findText(doc []byte, path ...string) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	var stack []string
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", fmt.Errorf("element %s not found", strings.Join(path, "/"))
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
			text.Reset()
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if hasSuffix(stack, path) {
				return strings.TrimSpace(text.String()), nil
			}
			stack = stack[:len(stack)-1]
		}
	}
}

func hasSuffix(stack, path []string) bool {
	if len(stack) < len(path) {
		return false
	}
	tail := stack[len(stack)-len(path):]
	for i := range path {
		if tail[i] != path[i] {
			return false
		}
	}
	return true
}

func positiveFloat(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// normalizeChannelNames returns exactly n names, padding with Channel_<i>.
func normalizeChannelNames(names []string, n int) []string {
	out := make([]string, n)
	for i := range out {
		if i < len(names) && names[i] != "" {
			out[i] = names[i]
		} else {
			out[i] = fmt.Sprintf("Channel_%d", i)
		}
	}
	return out
}
