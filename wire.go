package senka

// Wire layout: one code byte, then the CBOR payload for that code encoded
// at the cluster's negotiated wire version. The transport owns framing and
// integrity; an undecodable payload or unknown code here is a protocol
// violation, not an I/O condition.

type msgCode byte

const (
	mcMetadata     msgCode = 'M' // full or delta state push
	mcSyncFromReq  msgCode = 'F' // "what is your version right now"
	mcSyncFromResp msgCode = 'f'
	mcSyncToReq    msgCode = 'T' // "tell me once you have seen my version"
	mcSyncToResp   msgCode = 't'
)

type metadataMsg struct {
	Delta []byte `cbor:"d"` // value-codec encoded contribution
	Ver   uint64 `cbor:"v"` // sender's version after applying it
}

type syncFromReq struct {
	ID uint64 `cbor:"id"`
}

type syncFromResp struct {
	ID  uint64 `cbor:"id"`
	Ver uint64 `cbor:"v"` // responder's version at reply time
}

type syncToReq struct {
	ID  uint64 `cbor:"id"`
	Ver uint64 `cbor:"v"` // requester's version at call time
}

type syncToResp struct {
	ID uint64 `cbor:"id"`
}
