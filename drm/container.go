package drm

import (
	"encoding/binary"
	"errors"

	"41.neocities.org/sofia"
	"github.com/google/uuid"

	"41.neocities.org/offline/fault"
)

// FromInitSegment reads the sample-level protection data of an ISO BMFF
// initialization segment: one entry per known PSSH box, each carrying the
// track's default KID. A segment without moov, or a clear track, gives nil.
func FromInitSegment(data []byte, mimeType string) (*InitData, error) {
	boxes, err := sofia.Parse(data)
	if err != nil {
		return nil, fault.New(fault.Parse, "init segment", err)
	}
	moov, ok := sofia.FindMoov(boxes)
	if !ok {
		return nil, nil
	}
	var out InitData
	for _, id := range Known {
		pssh, ok := moov.FindPssh(id[:])
		if !ok {
			continue
		}
		out.Schemes = append(out.Schemes, SchemeData{
			Scheme:   id,
			MimeType: mimeType,
			Data:     append([]byte(nil), pssh.Data...),
		})
	}
	// trak/mdia/minf/stbl/stsd/sinf/schi/tenc
	var kid []byte
	if trak, ok := moov.Trak(); ok {
		mdia, ok := trak.Mdia()
		if !ok {
			return nil, missing("mdia")
		}
		minf, ok := mdia.Minf()
		if !ok {
			return nil, missing("minf")
		}
		stbl, ok := minf.Stbl()
		if !ok {
			return nil, missing("stbl")
		}
		stsd, ok := stbl.Stsd()
		if !ok {
			return nil, missing("stsd")
		}
		if sinf, _, ok := stsd.Sinf(); ok {
			schi, ok := sinf.Schi()
			if !ok {
				return nil, missing("schi")
			}
			tenc, ok := schi.Tenc()
			if !ok {
				return nil, missing("tenc")
			}
			kid = append([]byte(nil), tenc.DefaultKID[:]...)
		}
	}
	if len(out.Schemes) == 0 {
		if kid == nil {
			return nil, nil
		}
		out.Schemes = append(out.Schemes, SchemeData{Scheme: Common, MimeType: mimeType})
	}
	for i := range out.Schemes {
		out.Schemes[i].KeyID = kid
	}
	return &out, nil
}

func missing(box string) error {
	return fault.New(fault.Parse, "init segment", sofia.Missing(box))
}

// FromPsshBox returns the system-specific data of a complete pssh box, as a
// manifest carries it in cenc:pssh.
func FromPsshBox(box []byte, system uuid.UUID) ([]byte, error) {
	// pssh boxes are located through their moov
	moovBox := binary.BigEndian.AppendUint32(nil, uint32(8+len(box)))
	moovBox = append(moovBox, "moov"...)
	moovBox = append(moovBox, box...)
	boxes, err := sofia.Parse(moovBox)
	if err != nil {
		return nil, fault.New(fault.Parse, "pssh", err)
	}
	moov, ok := sofia.FindMoov(boxes)
	if !ok {
		return nil, missing("moov")
	}
	pssh, ok := moov.FindPssh(system[:])
	if !ok {
		return nil, fault.New(fault.Parse, "pssh", errors.New("no pssh box for "+Name(system)))
	}
	return append([]byte(nil), pssh.Data...), nil
}
