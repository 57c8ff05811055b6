/*
Copyright 2017 Luke Granger-Brown

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ngdp

// A ProductTag is a reference to a particular game or game release channel.
//
// Blizzard tracks release, PTR and beta as separate product tags, even though they usually refer to the same underlying CDN storage.
type ProductTag string

const (
	ProductWoW              ProductTag = "wow"
	ProductWoWPTR           ProductTag = "wowt"
	ProductWoWBeta          ProductTag = "wow_beta"
	ProductWoWClassic       ProductTag = "wow_classic"
	ProductWoWClassicPTR    ProductTag = "wow_classic_ptr"
	ProductWoWClassicEra    ProductTag = "wow_classic_era"
	ProductWoWClassicEraPTR ProductTag = "wow_classic_era_ptr"
)

// A Region is a reference to a game region, and is used for finding the nearest CDNs.
type Region string

const (
	RegionUnitedStates Region = "us"
	RegionEurope       Region = "eu"
	RegionChina        Region = "cn"
	RegionKorea        Region = "kr"
	RegionTaiwan       Region = "tw"
	RegionSingapore    Region = "sg"

	DefaultRegion = RegionUnitedStates
)

// A ContentType is a type of thing stored on the CDN.
//
// Each separate content type is stored under a different directory.
type ContentType string

// The content types below are believed to be exhaustive.
const (
	ContentTypeConfig ContentType = "config"
	ContentTypeData   ContentType = "data"
	ContentTypePatch  ContentType = "patch"
)

// A Locale is a bitmask of the client locales a root entry applies to.
type Locale uint32

const (
	LocaleEnUS Locale = 0x2
	LocaleKoKR Locale = 0x4
	LocaleFrFR Locale = 0x10
	LocaleDeDE Locale = 0x20
	LocaleZhCN Locale = 0x40
	LocaleEsES Locale = 0x80
	LocaleZhTW Locale = 0x100
	LocaleEnGB Locale = 0x200
	LocaleEnCN Locale = 0x400
	LocaleEnTW Locale = 0x800
	LocaleEsMX Locale = 0x1000
	LocaleRuRU Locale = 0x2000
	LocalePtBR Locale = 0x4000
	LocaleItIT Locale = 0x8000
	LocalePtPT Locale = 0x10000

	LocaleAll Locale = 0xffffffff

	DefaultLocale = LocaleEnUS
)

var localeNames = map[string]Locale{
	"enUS": LocaleEnUS,
	"koKR": LocaleKoKR,
	"frFR": LocaleFrFR,
	"deDE": LocaleDeDE,
	"zhCN": LocaleZhCN,
	"esES": LocaleEsES,
	"zhTW": LocaleZhTW,
	"enGB": LocaleEnGB,
	"enCN": LocaleEnCN,
	"enTW": LocaleEnTW,
	"esMX": LocaleEsMX,
	"ruRU": LocaleRuRU,
	"ptBR": LocalePtBR,
	"itIT": LocaleItIT,
	"ptPT": LocalePtPT,
}

// ParseLocale converts a locale name such as "enUS" to its bitmask.
func ParseLocale(s string) (Locale, bool) {
	l, ok := localeNames[s]
	return l, ok
}

// ContentFlags annotate root entries with platform and variant information.
type ContentFlags uint32

const (
	ContentFlagLoadOnWindows      ContentFlags = 0x8
	ContentFlagLoadOnMacOS        ContentFlags = 0x10
	ContentFlagLowViolence        ContentFlags = 0x80
	ContentFlagDoNotLoad          ContentFlags = 0x100
	ContentFlagUpdatePlugin       ContentFlags = 0x800
	ContentFlagEncrypted          ContentFlags = 0x8000000
	ContentFlagNoNameHash         ContentFlags = 0x10000000
	ContentFlagUncommonResolution ContentFlags = 0x20000000
	ContentFlagBundle             ContentFlags = 0x40000000
	ContentFlagNoCompression      ContentFlags = 0x80000000

	// DefaultExcludeFlags drops alternate variants that a normal client install would not pick.
	DefaultExcludeFlags = ContentFlagLowViolence | ContentFlagUncommonResolution | ContentFlagBundle
)
