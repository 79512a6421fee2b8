package acquisition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mgrimberger/siglent-sds-core/transport/fake"
)

func newESeriesModel() DeviceModel {
	return DeviceModel{Protocol: ESeries, AnalogChannels: 2, HasDigital: true, NumHorizontalDivs: 14}
}

func scriptCommonConfig(tr *fake.Transport, model DeviceModel) {
	for i := 0; i < model.AnalogChannels; i++ {
		ch := string(rune('1' + i))
		tr.ScriptResponse("C"+ch+":TRA?", "ON")
		tr.ScriptResponse("C"+ch+":ATTN?", "10")
		tr.ScriptResponse("C"+ch+":VDIV?", "0.5")
		tr.ScriptResponse("C"+ch+":OFST?", "0.1")
		tr.ScriptResponse("C"+ch+":CPL?", "D1M")
	}
	if model.HasDigital {
		tr.ScriptResponse("DI:SW?", "ON")
		for i := 0; i < 16; i++ {
			tr.ScriptResponse("D"+itoa(i)+":TRA?", "OFF")
		}
	}
	tr.ScriptResponse(":TDIV?", "0.001")
	tr.ScriptResponse("TRSE?", "EDGE,SR,C1,HT,100.0ns")
	tr.ScriptResponse("C1:TRSL?", "POS")
	tr.ScriptResponse("C1:TRLV?", "0.0")
}

func itoa(i int) string {
	if i < 10 {
		return string(rune('0' + i))
	}
	return "1" + string(rune('0'+i-10))
}

func TestReadConfig_ESeries(t *testing.T) {
	model := newESeriesModel()
	tr := fake.New()
	scriptCommonConfig(tr, model)
	tr.ScriptResponse("SANU? C1", "140000")
	tr.ScriptResponse("SANU? D0", "140000")

	cfg, err := ReadConfig(tr, model)
	require.NoError(t, err)

	assert.True(t, cfg.AnalogChannels[0])
	assert.Equal(t, 0.5, cfg.VDiv[0])
	assert.Equal(t, "C1", cfg.TriggerSource)
	assert.InDelta(t, 100.0/1e6, cfg.TriggerDelay, 1e-9)
	assert.True(t, cfg.HasTriggerLevel)
	assert.Equal(t, 140000.0, cfg.MemoryDepthAnalog)
	assert.Greater(t, cfg.SampleRate, 0.0)
}

func TestReadConfig_LegacyMptsSuffix(t *testing.T) {
	model := DeviceModel{Protocol: SpoModel, AnalogChannels: 2, NumHorizontalDivs: 10}
	tr := fake.New()
	scriptCommonConfig(tr, model)
	tr.ScriptResponse("SANU? C1", "14Mpts")

	cfg, err := ReadConfig(tr, model)
	require.NoError(t, err)
	assert.Equal(t, 14e6, cfg.MemoryDepthAnalog)
}

func TestReadConfig_LegacyKptsSuffixUsesLiteralScale(t *testing.T) {
	model := DeviceModel{Protocol: SpoModel, AnalogChannels: 2, NumHorizontalDivs: 10}
	tr := fake.New()
	scriptCommonConfig(tr, model)
	tr.ScriptResponse("SANU? C1", "14Kpts")

	cfg, err := ReadConfig(tr, model)
	require.NoError(t, err)
	assert.Equal(t, 14*1e4, cfg.MemoryDepthAnalog)
}

func TestReadConfig_TRSETooShort(t *testing.T) {
	model := DeviceModel{Protocol: SpoModel, AnalogChannels: 1, NumHorizontalDivs: 10}
	tr := fake.New()
	tr.ScriptResponse("C1:TRA?", "ON")
	tr.ScriptResponse("C1:ATTN?", "10")
	tr.ScriptResponse("C1:VDIV?", "0.5")
	tr.ScriptResponse("C1:OFST?", "0.1")
	tr.ScriptResponse("C1:CPL?", "D1M")
	tr.ScriptResponse(":TDIV?", "0.001")
	tr.ScriptResponse("TRSE?", "EDGE,SR")

	_, err := ReadConfig(tr, model)
	var malformed *ProtocolMalformedError
	assert.ErrorAs(t, err, &malformed)
}

func TestParseTriggerDelay_UnknownUnit(t *testing.T) {
	assert.Equal(t, 0.0, parseTriggerDelay("100.0xyz"))
}

func TestParseSampleCount(t *testing.T) {
	assert.Equal(t, 2e6, parseSampleCount("2Mpts"))
	assert.Equal(t, 2*1e4, parseSampleCount("2Kpts"))
	assert.Equal(t, 2.0, parseSampleCount("2"))
	assert.Equal(t, 0.0, parseSampleCount("garbage"))
}
