package lif_reader

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// The XML header is a tree of Element nodes. An element that carries both
// an Image description and a Memory reference is one acquired image.
type xmlDocument struct {
	Version string      `xml:"Version,attr"`
	Element *xmlElement `xml:"Element"`
}

type xmlElement struct {
	Name     string       `xml:"Name,attr"`
	Image    *xmlImage    `xml:"Data>Image"`
	Memory   *xmlMemory   `xml:"Memory"`
	Children []xmlElement `xml:"Children>Element"`
}

type xmlMemory struct {
	Size          string `xml:"Size,attr"`
	MemoryBlockID string `xml:"MemoryBlockID,attr"`
}

type xmlImage struct {
	Channels   []xmlChannel   `xml:"ImageDescription>Channels>ChannelDescription"`
	Dimensions []xmlDimension `xml:"ImageDescription>Dimensions>DimensionDescription"`
}

type xmlChannel struct {
	Resolution int   `xml:"Resolution,attr"`
	BytesInc   int64 `xml:"BytesInc,attr"`
}

type xmlDimension struct {
	DimID            int    `xml:"DimID,attr"`
	NumberOfElements int    `xml:"NumberOfElements,attr"`
	Length           string `xml:"Length,attr"`
	BytesInc         int64  `xml:"BytesInc,attr"`
}

// parseHeader decodes the XML header into the container version and the
// list of images found anywhere in the element tree.
func parseHeader(doc []byte) (int, []lifImage, error) {
	var hdr xmlDocument
	if err := xml.Unmarshal(doc, &hdr); err != nil {
		return 0, nil, fmt.Errorf("XML header: %v", err)
	}
	version, err := strconv.Atoi(strings.TrimSpace(hdr.Version))
	if err != nil {
		return 0, nil, fmt.Errorf("missing LIF version attribute")
	}
	if hdr.Element == nil {
		return 0, nil, fmt.Errorf("XML header has no element tree")
	}
	var images []lifImage
	collectImages(hdr.Element, "", &images)
	return version, images, nil
}

func collectImages(el *xmlElement, prefix string, out *[]lifImage) {
	name := el.Name
	if prefix != "" {
		name = prefix + "/" + el.Name
	}
	if el.Image != nil && el.Memory != nil && el.Memory.MemoryBlockID != "" {
		img := lifImage{
			name:    name,
			blockID: el.Memory.MemoryBlockID,
			dims:    map[int]dimInfo{},
		}
		for _, ch := range el.Image.Channels {
			img.channels = append(img.channels, channelInfo{bits: ch.Resolution, bytesInc: ch.BytesInc})
		}
		for _, d := range el.Image.Dimensions {
			length, _ := strconv.ParseFloat(strings.TrimSpace(d.Length), 64)
			img.dims[d.DimID] = dimInfo{
				n:        d.NumberOfElements,
				length:   length,
				bytesInc: d.BytesInc,
			}
		}
		*out = append(*out, img)
	}
	for i := range el.Children {
		collectImages(&el.Children[i], name, out)
	}
}
