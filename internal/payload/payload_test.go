package payload

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mt103 = "{1:F01BANKBEBBAXXX0000000000}{2:I103BANKDEFFXXXXN}{3:{108:MUR0001}}{4:\n" +
	":20:REF-103-1\n" +
	":23B:CRED\n" +
	":32A:230101EUR1234,56\n" +
	":59:/DE0011\nJOHN DOE\n" +
	"-}"

const mt199 = "{1:F01BANKBEBBAXXX0000000000}{2:I199BANKDEFFXXXXN}{4:\n" +
	":20:REPLY-1\n" +
	":21:REF-103-1\n" +
	":79:PAID\n" +
	"-}"

const mtAck = "{1:F21BANKBEBBAXXX0000000000}{3:{108:MUR0001}}{4:{177:2301011200}{451:0}}"

const pacs008 = `<?xml version="1.0"?>
<Document xmlns="urn:iso:std:iso:20022:tech:xsd:pacs.008.001.08">
<FIToFICstmrCdtTrf>
<GrpHdr><MsgId>MSG-1</MsgId><NbOfTxs>2</NbOfTxs></GrpHdr>
<CdtTrfTxInf><PmtId><EndToEndId>E2E-1</EndToEndId></PmtId><IntrBkSttlmAmt Ccy="EUR">100.50</IntrBkSttlmAmt></CdtTrfTxInf>
<CdtTrfTxInf><PmtId><EndToEndId>E2E-2</EndToEndId></PmtId><IntrBkSttlmAmt Ccy="EUR">7.00</IntrBkSttlmAmt></CdtTrfTxInf>
</FIToFICstmrCdtTrf>
</Document>`

const pacs002 = `<Document xmlns="urn:iso:std:iso:20022:tech:xsd:pacs.002.001.10">
<FIToFIPmtStsRpt>
<GrpHdr><MsgId>STS-1</MsgId></GrpHdr>
<OrgnlGrpInfAndSts><OrgnlMsgId>MSG-1</OrgnlMsgId><GrpSts>RJCT</GrpSts></OrgnlGrpInfAndSts>
</FIToFIPmtStsRpt>
</Document>`

func record(fields ...string) string {
	line := strings.Join(fields, "")
	if len(line) < achRecordLength {
		line += strings.Repeat(" ", achRecordLength-len(line))
	}
	return line[:achRecordLength]
}

func achFile(withReturn bool) string {
	lines := []string{
		record("101 091000019 1234567890230101"),
		record("5200", "ACME CORP       ", strings.Repeat(" ", 30), "PPD"),
		record("622", "09100001", "9", "12345678901234567", "0000012345", "ID0001         ", "JANE DOE              ", "  ", "0", "091000010000001"),
	}
	if withReturn {
		lines = append(lines, record("799", "R01", "091000010009999"))
	}
	lines = append(lines,
		record("622", "09100001", "9", "99999999999999999", "0000000100", "ID0002         ", "JOHN ROE              ", "  ", "0", "091000010000002"),
		record("8200"),
		record("9000001"),
	)
	return strings.Join(lines, "\n")
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		family Family
	}{
		{name: "swift mt", raw: mt103, family: FamilySwiftMT},
		{name: "iso20022", raw: pacs008, family: FamilyISO20022},
		{name: "ach", raw: achFile(false), family: FamilyACH},
		{name: "unknown", raw: "hello", family: FamilyRaw},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.family, Detect([]byte(tt.raw)).Family())
		})
	}
}

func TestSwiftMT_Fields(t *testing.T) {
	ev := NewSwiftMT([]byte(mt103))
	assert.True(t, ev.IsBusinessFormat())

	mt, err := ev.GetField("MT")
	require.NoError(t, err)
	assert.Equal(t, "103", mt)

	ref, err := ev.GetField("20")
	require.NoError(t, err)
	assert.Equal(t, "REF-103-1", ref)

	amount, err := ev.GetField("AMOUNT")
	require.NoError(t, err)
	assert.Equal(t, "1234,56", amount)

	ccy, err := ev.GetField("CURRENCY")
	require.NoError(t, err)
	assert.Equal(t, "EUR", ccy)

	beneficiary, err := ev.GetField("59")
	require.NoError(t, err)
	assert.Equal(t, "/DE0011\nJOHN DOE", beneficiary)

	mur, err := ev.GetField("BLOCK3:108")
	require.NoError(t, err)
	assert.Equal(t, "MUR0001", mur)

	_, err = ev.GetField("99Z")
	assert.ErrorIs(t, err, ErrFieldNotFound)
	assert.False(t, ev.IsReply())
}

func TestSwiftMT_AggregationCodes(t *testing.T) {
	request := NewSwiftMT([]byte(mt103)).GetAggregationCode("")
	require.NotNil(t, request)
	assert.Equal(t, TokenReference, request.Token)
	assert.Equal(t, "REF-103-1", request.ID)
	assert.Empty(t, request.Fields)

	reply := NewSwiftMT([]byte(mt199))
	assert.True(t, reply.IsReply())
	code := reply.GetAggregationCode("FTP39")
	require.NotNil(t, code)
	assert.Equal(t, "REF-103-1", code.ID)
	assert.Equal(t, "FTP39", code.Value(FieldFeedback))

	ack := NewSwiftMT([]byte(mtAck))
	assert.True(t, ack.IsAck())
	assert.False(t, ack.IsNack())
	assert.True(t, ack.IsReply())
	ackCode := ack.GetAggregationCode("")
	require.NotNil(t, ackCode)
	assert.Equal(t, TokenMUR, ackCode.Token)
	assert.Equal(t, "MUR0001", ackCode.ID)
}

func TestISO20022_FieldsAndSplit(t *testing.T) {
	doc := NewISO20022([]byte(pacs008))
	assert.True(t, doc.IsBusinessFormat())
	assert.Equal(t, "pacs.008", doc.MessageType())

	id, err := doc.GetField("GrpHdr/MsgId")
	require.NoError(t, err)
	assert.Equal(t, "MSG-1", id)

	amount, err := doc.GetField("AMOUNT")
	require.NoError(t, err)
	assert.Equal(t, "100.50", amount)

	ccy, err := doc.GetField("IntrBkSttlmAmt/@Ccy")
	require.NoError(t, err)
	assert.Equal(t, "EUR", ccy)

	items, err := doc.Split()
	require.NoError(t, err)
	require.Len(t, items, 2)
	second := NewISO20022(items[1])
	e2e, err := second.GetField("EndToEndId")
	require.NoError(t, err)
	assert.Equal(t, "E2E-2", e2e)
	groupID, err := second.GetField("MsgId")
	require.NoError(t, err)
	assert.Equal(t, "MSG-1", groupID)

	code := doc.GetAggregationCode("")
	require.NotNil(t, code)
	assert.Equal(t, TokenMsgID, code.Token)
	assert.Equal(t, "MSG-1", code.ID)
}

func TestISO20022_StatusReport(t *testing.T) {
	doc := NewISO20022([]byte(pacs002))
	assert.True(t, doc.IsReply())
	assert.True(t, doc.IsNack())
	assert.False(t, doc.IsAck())

	code := doc.GetAggregationCode("")
	require.NotNil(t, code)
	assert.Equal(t, "MSG-1", code.ID)

	_, err := doc.Split()
	assert.ErrorIs(t, err, ErrNotBatch)
}

func TestISO20022_Malformed(t *testing.T) {
	doc := NewISO20022([]byte("<Document><open></Document>"))
	assert.False(t, doc.IsBusinessFormat())
	_, err := doc.GetField("open")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestACH_FieldsAndReturn(t *testing.T) {
	file := NewACH([]byte(achFile(false)))
	assert.True(t, file.IsBusinessFormat())

	amount, err := file.GetField("AMOUNT")
	require.NoError(t, err)
	assert.Equal(t, "123,45", amount)

	company, err := file.GetField("COMPANY")
	require.NoError(t, err)
	assert.Equal(t, "ACME CORP", company)

	sec, err := file.GetField("SEC")
	require.NoError(t, err)
	assert.Equal(t, "PPD", sec)

	assert.False(t, file.IsReply())
	code := file.GetAggregationCode("")
	require.NotNil(t, code)
	assert.Equal(t, "091000010000001", code.ID)

	returned := NewACH([]byte(achFile(true)))
	assert.True(t, returned.IsReply())
	assert.True(t, returned.IsNack())
	rc, err := returned.GetField("RETURNCODE")
	require.NoError(t, err)
	assert.Equal(t, "R01", rc)
	assert.Equal(t, "091000010009999", returned.GetAggregationCode("").ID)
}

func TestACH_Split(t *testing.T) {
	items, err := NewACH([]byte(achFile(false))).Split()
	require.NoError(t, err)
	require.Len(t, items, 2)

	second := NewACH(items[1])
	trace, err := second.GetField("TRACE")
	require.NoError(t, err)
	assert.Equal(t, "091000010000002", trace)
	assert.Len(t, strings.Split(string(items[1]), "\n"), 5)
}

func TestGraft(t *testing.T) {
	doc := []byte(`<Msg><Ref>1</Ref></Msg>`)
	data := []byte(`<Enrich><Party><Name>ACME</Name></Party><Other/></Enrich>`)

	out, err := Graft(doc, data)
	require.NoError(t, err)
	assert.Equal(t, `<Msg><Ref>1</Ref><Party><Name>ACME</Name></Party></Msg>`, string(out))

	_, err = Graft(doc, []byte(`<Empty></Empty>`))
	assert.ErrorIs(t, err, ErrFieldNotFound)
}
