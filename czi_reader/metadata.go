package czi_reader

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/LucaMasin/czi2tif/contracts"
)

// Metadata segments carry an 8-byte size prefix and 248 spare bytes before
// the XML document starts.
const metadataFixedPart = 256

const maxMetadataXML = 64 << 20

func (r *Reader) readMetadataXML(pos int64) ([]byte, error) {
	id, _, used, err := r.readSegmentHeader(pos)
	if err != nil {
		return nil, err
	}
	if id != segMetadata {
		return nil, fmt.Errorf("expected %s segment at %d, found %q", segMetadata, pos, id)
	}
	var fixed [8]byte
	if _, err := r.f.ReadAt(fixed[:], pos+segmentHeaderSize); err != nil {
		return nil, fmt.Errorf("metadata segment: %v", err)
	}
	xmlSize := int64(int32(binary.LittleEndian.Uint32(fixed[0:4])))
	if xmlSize <= 0 || xmlSize > maxMetadataXML {
		return nil, fmt.Errorf("implausible metadata XML size %d", xmlSize)
	}
	if used > 0 && xmlSize > used-metadataFixedPart {
		return nil, fmt.Errorf("metadata XML size %d exceeds segment", xmlSize)
	}
	doc := make([]byte, xmlSize)
	if _, err := r.f.ReadAt(doc, pos+segmentHeaderSize+metadataFixedPart); err != nil {
		return nil, fmt.Errorf("metadata XML: %v", err)
	}
	return doc, nil
}

// parseScaling pulls the pixel scale out of the metadata document. The
// scaling block holds Distance elements with an Id attribute (X, Y, Z)
// whose Value child is the pixel pitch in meters; they are matched
// wherever they appear in the document. A missing or non-positive X
// distance means the file carries no usable scale and the default of
// 1 px/micron applies.
func parseScaling(doc []byte) contracts.Resolution {
	distances := map[string]float64{}

	dec := xml.NewDecoder(bytes.NewReader(doc))
	var curID string
	var inValue bool
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "Distance":
				curID = ""
				for _, a := range t.Attr {
					if a.Name.Local == "Id" {
						curID = a.Value
					}
				}
			case "Value":
				if curID != "" {
					inValue = true
					text.Reset()
				}
			}
		case xml.CharData:
			if inValue {
				text.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "Value":
				if inValue {
					inValue = false
					if v, err := strconv.ParseFloat(strings.TrimSpace(text.String()), 64); err == nil {
						if _, seen := distances[curID]; !seen {
							distances[curID] = v
						}
					}
				}
			case "Distance":
				curID = ""
				inValue = false
			}
		}
	}

	x, ok := distances["X"]
	if !ok || x <= 0 {
		return contracts.DefaultResolution()
	}
	res := contracts.Resolution{FromMetadata: true}
	res.XPerMicron = 1 / (x * 1e6)
	res.YPerMicron = res.XPerMicron
	if y, ok := distances["Y"]; ok && y > 0 {
		res.YPerMicron = 1 / (y * 1e6)
	}
	res.ZPerMicron = 1
	if z, ok := distances["Z"]; ok && z > 0 {
		res.ZPerMicron = 1 / (z * 1e6)
	}
	return res
}
