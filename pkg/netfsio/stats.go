package netfsio

// Stats is the statistics surface: implementers increment the named
// counter at each labeled site. A Request with no Stats attached skips
// every call at zero cost — see Request.stat.
type Stats interface {
	IncReadahead()
	IncReadpage()
	IncWriteBegin()
	IncDownload()
	IncDownloadDone()
	IncDownloadFailed()
	IncDownloadInstead()
	IncReadDone()
	IncReadFailed()
	IncWrite()
	IncWriteDone()
	IncWriteFailed()
	IncZero()
	IncShortRead()
	IncWriteZSkip()
	IncRreqAlloc()
	IncRreqFree()
	IncSreqAlloc()
	IncSreqFree()
}
