package disk

import "github.com/apex/log"

// Sector order conversion tables.  Each maps through the "raw" (physical)
// position; Copy ][+ physical order needs no table.  These are fixed
// properties of the hardware and the DOS/ProDOS/CP/M drivers, not anything
// configurable.
var raw2dos = [16]int{0, 7, 14, 6, 13, 5, 12, 4, 11, 3, 10, 2, 9, 1, 8, 15}
var dos2raw = [16]int{0, 13, 11, 9, 7, 5, 3, 1, 14, 12, 10, 8, 6, 4, 2, 15}
var raw2prodos = [16]int{0, 8, 1, 9, 2, 10, 3, 11, 4, 12, 5, 13, 6, 14, 7, 15}
var prodos2raw = [16]int{0, 2, 4, 6, 8, 10, 12, 14, 1, 3, 5, 7, 9, 11, 13, 15}
var raw2cpm = [16]int{0, 11, 6, 1, 12, 7, 2, 13, 8, 3, 14, 9, 4, 15, 10, 5}
var cpm2raw = [16]int{0, 3, 6, 9, 12, 15, 2, 5, 8, 11, 14, 1, 4, 7, 10, 13}

func toRawSector(sector int, order SectorOrder) int {
	switch order {
	case SectorOrderProDOS:
		return prodos2raw[sector]
	case SectorOrderDOS:
		return dos2raw[sector]
	case SectorOrderCPM:
		return cpm2raw[sector]
	case SectorOrderPhysical:
		return sector
	}
	// unknown should never reach here; identity is the least harmful choice
	log.WithField("order", order).Warn("sector conversion with unknown order")
	return sector
}

func fromRawSector(sector int, order SectorOrder) int {
	switch order {
	case SectorOrderProDOS:
		return raw2prodos[sector]
	case SectorOrderDOS:
		return raw2dos[sector]
	case SectorOrderCPM:
		return raw2cpm[sector]
	case SectorOrderPhysical:
		return sector
	}
	log.WithField("order", order).Warn("sector conversion with unknown order")
	return sector
}

// CalcSectorAndOffset turns a (track, sector) request in fsOrder into the
// byte offset of that sector on media laid out in imageOrder, along with the
// on-media sector number (needed by the nibble path).
//
// 32-sector UNIDOS/OzDOS tracks are two 16-sector halves stacked; sector 16+
// lands one half-track further in.  Sector pairing (OzDOS) doubles the track
// number and interleaves a pair of logical sectors into one physical track.
func (di *DiskImg) CalcSectorAndOffset(track, sector int, imageOrder, fsOrder SectorOrder) (int64, int, error) {
	if !di.hasSectors {
		return 0, 0, ErrUnsupportedAccess
	}
	if track < 0 || track >= di.numTracks {
		log.WithField("track", track).Debug("invalid track request")
		return 0, 0, ErrInvalidTrack
	}
	if sector < 0 || sector >= di.numSectPerTrack {
		log.WithField("sector", sector).Debug("invalid sector request")
		return 0, 0, ErrInvalidSector
	}

	var offset int64
	newSector := -1

	switch {
	case di.numSectPerTrack == 16 || di.numSectPerTrack == 32:
		if di.sectorPairing {
			// pushes "track" beyond numTracks; the pair shares one
			// physical 16-sector track of the 800K image
			track *= 2
			if sector >= 16 {
				track++
				sector -= 16
			}
			offset = int64(track) * int64(di.numSectPerTrack) * SECTOR_SIZE
			sector = sector*2 + di.sectorPairOffset
			if sector >= 16 {
				offset += 16 * SECTOR_SIZE
				sector -= 16
			}
		} else {
			offset = int64(track) * int64(di.numSectPerTrack) * SECTOR_SIZE
			if sector >= 16 {
				offset += 16 * SECTOR_SIZE
				sector -= 16
			}
		}

		newSector = fromRawSector(toRawSector(sector, fsOrder), imageOrder)
		offset += int64(newSector) * SECTOR_SIZE

	case di.numSectPerTrack == 13:
		// sector skew has no meaning on 13-sector disks
		if imageOrder != fsOrder {
			log.WithFields(log.Fields{
				"imageOrder": imageOrder,
				"fsOrder":    fsOrder,
			}).Debug("13-sector order mismatch, using identity mapping")
		}
		newSector = sector
		offset = int64(track)*13*SECTOR_SIZE + int64(newSector)*SECTOR_SIZE

	default:
		if imageOrder != fsOrder {
			return 0, 0, ErrBadOrdering
		}
		newSector = sector
		offset = int64(track)*int64(di.numSectPerTrack)*SECTOR_SIZE +
			int64(sector)*SECTOR_SIZE
	}

	return offset, newSector, nil
}

// isLinearBlocks reports whether block requests map to a contiguous byte
// range, letting multi-block I/O skip the per-sector remap loop.  Holds
// whenever the image and filesystem agree on ordering, e.g. ProDOS blocks
// from a .po file.
func (di *DiskImg) isLinearBlocks(imageOrder, fsOrder SectorOrder) bool {
	return IsSectorFormat(di.physical) && di.hasBlocks && imageOrder == fsOrder
}
